package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"virtual-product-owner/internal/domain"
)

type fakeDynamo struct {
	getOuts   []*dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateErr error
	deleteErr error
	queryOuts []*dynamodb.QueryOutput
	queryErr  error
	txErr     error
	batchOuts []*dynamodb.BatchWriteItemOutput
	descErr   error

	getCalls     int
	lastPutInput *dynamodb.PutItemInput
	lastUpdateIn *dynamodb.UpdateItemInput
	lastDeleteIn *dynamodb.DeleteItemInput
	queryIns     []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
	batchIns     []*dynamodb.BatchWriteItemInput
	descIn       *dynamodb.DescribeTableInput
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	idx := min(f.getCalls, len(f.getOuts)-1)
	f.getCalls++
	if idx < 0 {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getOuts[idx], nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteIn = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	// Copy so pagination updates are visible per call.
	cp := *in
	f.queryIns = append(f.queryIns, &cp)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batchIns = append(f.batchIns, in)
	if len(f.batchOuts) == 0 {
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	out := f.batchOuts[0]
	f.batchOuts = f.batchOuts[1:]
	return out, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.descIn = in
	if f.descErr != nil {
		return nil, f.descErr
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableStatus: types.TableStatusActive}}, nil
}

var fixedNow = time.Date(2025, 5, 6, 7, 8, 9, 123456789, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table", WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return c
}

func sval(t *testing.T, item map[string]types.AttributeValue, k string) string {
	t.Helper()
	v, err := strAttr(item, k)
	require.NoError(t, err)
	return v
}

func conditionFailed() error {
	return fmt.Errorf("wrapped: %w", &types.ConditionalCheckFailedException{Message: new(string)})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(&fakeDynamo{}, "  ")
	require.ErrorContains(t, err, "must not be empty")
}

func TestCreate_PutsStoryUnderUserPartition(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	st, err := c.Create(context.Background(), "u1", "Login", "desc", 3)
	require.NoError(t, err)
	require.Equal(t, domain.Draft, st.Approval)
	require.Equal(t, fixedNow, st.CreatedAt)

	item := db.lastPutInput.Item
	require.Equal(t, "USER#u1", sval(t, item, "PK"))
	require.Equal(t, "STORY#"+st.ID, sval(t, item, "SK"))
	require.Equal(t, "Draft", sval(t, item, "approval"))
	require.Contains(t, *db.lastPutInput.ConditionExpression, "attribute_not_exists")
	_, hasPriority := item["priority"]
	require.False(t, hasPriority)
}

func TestGetByID_RoundTripsStoryItem(t *testing.T) {
	prio := 1
	at := fixedNow.Add(-time.Hour)
	want := domain.Story{
		ID: "s1", UserID: "u1", Title: "T", Description: "D", Points: 5,
		Priority: &prio, Risk: "Low", Approval: domain.Approved, ApprovedBy: "admin", ApprovedAt: &at,
		ExternalID: "9", ExternalURL: "https://x/9", CreatedAt: at, UpdatedAt: fixedNow,
	}
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{Item: storyItem(want)}}}
	c := mustNewClient(t, db)

	got, ok, err := c.GetByID(context.Background(), "u1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestGetByID_Missing(t *testing.T) {
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{}}}
	c := mustNewClient(t, db)
	_, ok, err := c.GetByID(context.Background(), "u1", "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetByID_MalformedItem(t *testing.T) {
	item := storyItem(domain.Story{ID: "s1", UserID: "u1", Title: "T"})
	item["points"] = &types.AttributeValueMemberS{Value: "many"}
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{Item: item}}}
	c := mustNewClient(t, db)
	_, _, err := c.GetByID(context.Background(), "u1", "s1")
	require.ErrorContains(t, err, "GetByID unmarshal")
}

func TestUpdate_ConditionalOnOwner(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ok, err := c.Update(context.Background(), "u1", domain.Story{ID: "s1", Title: "T", Points: 2, Approval: domain.PendingApproval})
	require.NoError(t, err)
	require.True(t, ok)

	in := db.lastUpdateIn
	require.Equal(t, "USER#u1", in.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "STORY#s1", in.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, *in.ConditionExpression, "attribute_exists(PK)")
	require.Contains(t, *in.UpdateExpression, "#title = :title")
	require.Contains(t, *in.UpdateExpression, "REMOVE #priority")
	require.Equal(t, "state", in.ExpressionAttributeNames["#state"])
	require.Equal(t, "PendingApproval", in.ExpressionAttributeValues[":approval"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "u1", in.ExpressionAttributeValues[":owner"].(*types.AttributeValueMemberS).Value)
}

func TestUpdate_ConditionFailedReturnsFalse(t *testing.T) {
	db := &fakeDynamo{updateErr: conditionFailed()}
	c := mustNewClient(t, db)
	ok, err := c.Update(context.Background(), "u2", domain.Story{ID: "s1"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdate_OtherErrorSurfaces(t *testing.T) {
	db := &fakeDynamo{updateErr: errors.New("throttled")}
	c := mustNewClient(t, db)
	_, err := c.Update(context.Background(), "u1", domain.Story{ID: "s1"})
	require.ErrorContains(t, err, "throttled")
}

func TestDelete(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ok, err := c.Delete(context.Background(), "u1", "s1")
	require.NoError(t, err)
	require.True(t, ok)

	db.deleteErr = conditionFailed()
	ok, err = c.Delete(context.Background(), "u1", "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestList_PaginatesAndSorts(t *testing.T) {
	older := domain.Story{ID: "a", UserID: "u", Title: "a", Points: 1, CreatedAt: fixedNow, UpdatedAt: fixedNow}
	newer := domain.Story{ID: "b", UserID: "u", Title: "b", Points: 1, CreatedAt: fixedNow, UpdatedAt: fixedNow.Add(time.Minute)}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{storyItem(older)}, LastEvaluatedKey: key("USER#u", "STORY#a")},
		{Items: []map[string]types.AttributeValue{storyItem(newer)}},
	}}
	c := mustNewClient(t, db)

	list, err := c.List(context.Background(), "u")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "b", list[0].ID)
	require.Len(t, db.queryIns, 2)
	require.Nil(t, db.queryIns[0].ExclusiveStartKey)
	require.NotNil(t, db.queryIns[1].ExclusiveStartKey)
}

func TestList_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewClient(t, db)
	_, err := c.List(context.Background(), "u")
	require.ErrorContains(t, err, "List")
}

func TestMsgSK_Ordering(t *testing.T) {
	require.Less(t, msgSK(fixedNow, 1), msgSK(fixedNow, 2))
	require.Less(t, msgSK(fixedNow, 99), msgSK(fixedNow.Add(time.Nanosecond), 1))
	require.Less(t, msgSK(fixedNow, 9), msgSK(fixedNow, 10))
}

func TestAppendMessage_TransactsMessageAndThread(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	msg, err := c.AppendMessage(context.Background(), "s1", domain.RoleUser, "hello")
	require.NoError(t, err)
	require.Equal(t, fixedNow, msg.CreatedAt)

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 2)
	put := items[0].Put.Item
	require.Equal(t, "CONV#s1", sval(t, put, "PK"))
	require.Equal(t, "user", sval(t, put, "role"))
	require.Contains(t, sval(t, put, "SK"), skPrefixMsg)
	require.Contains(t, *items[1].Update.UpdateExpression, "if_not_exists")
}

func TestAppendMessage_Error(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("boom")}
	c := mustNewClient(t, db)
	_, err := c.AppendMessage(context.Background(), "s1", domain.RoleUser, "hello")
	require.ErrorContains(t, err, "AppendMessage")
}

func messageRow(sk, id, content string) map[string]types.AttributeValue {
	return messageItem(domain.Message{ID: id, StoryID: "s1", Role: domain.RoleUser, Content: content, CreatedAt: fixedNow}, sk)
}

func TestRecentHistory_NewestFirstThenReversed(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		messageRow("MSG#3", "3", "three"),
		messageRow("MSG#2", "2", "two"),
	}}}}
	c := mustNewClient(t, db)

	msgs, err := c.RecentHistory(context.Background(), "s1", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"two", "three"}, contents(msgs))
	in := db.queryIns[0]
	require.False(t, *in.ScanIndexForward)
	require.Equal(t, int32(2), *in.Limit)
}

func TestHistory_MalformedRole(t *testing.T) {
	bad := messageRow("MSG#1", "1", "x")
	bad["role"] = &types.AttributeValueMemberS{Value: "robot"}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{bad}}}}
	c := mustNewClient(t, db)
	_, err := c.History(context.Background(), "s1")
	require.ErrorContains(t, err, "unknown role")
}

func TestGetOrCreateThread(t *testing.T) {
	existing := threadItem(domain.ConversationThread{ID: "t1", StoryID: "s1", CreatedAt: fixedNow, UpdatedAt: fixedNow})

	t.Run("existing", func(t *testing.T) {
		db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{Item: existing}}}
		c := mustNewClient(t, db)
		th, err := c.GetOrCreateThread(context.Background(), "s1")
		require.NoError(t, err)
		require.Equal(t, "t1", th.ID)
		require.Nil(t, db.lastPutInput)
	})

	t.Run("created", func(t *testing.T) {
		db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{}}}
		c := mustNewClient(t, db)
		th, err := c.GetOrCreateThread(context.Background(), "s1")
		require.NoError(t, err)
		require.NotEmpty(t, th.ID)
		require.Equal(t, "CONV#s1", sval(t, db.lastPutInput.Item, "PK"))
	})

	t.Run("lost race", func(t *testing.T) {
		db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{}, {Item: existing}}, putErr: conditionFailed()}
		c := mustNewClient(t, db)
		th, err := c.GetOrCreateThread(context.Background(), "s1")
		require.NoError(t, err)
		require.Equal(t, "t1", th.ID)
	})
}

func TestDeleteConversation_BatchesAndRetries(t *testing.T) {
	var items []map[string]types.AttributeValue
	for i := 0; i < 30; i++ {
		items = append(items, key("CONV#s1", fmt.Sprintf("MSG#%02d", i)))
	}
	unprocessed := []types.WriteRequest{{DeleteRequest: &types.DeleteRequest{Key: items[0]}}}
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{Items: items}},
		batchOuts: []*dynamodb.BatchWriteItemOutput{
			{UnprocessedItems: map[string][]types.WriteRequest{"test-table": unprocessed}},
			{},
			{},
		},
	}
	c := mustNewClient(t, db)

	require.NoError(t, c.DeleteConversation(context.Background(), "s1"))
	require.Len(t, db.batchIns, 3)
	require.Len(t, db.batchIns[0].RequestItems["test-table"], 25)
	require.Len(t, db.batchIns[1].RequestItems["test-table"], 1)
	require.Len(t, db.batchIns[2].RequestItems["test-table"], 5)
	require.Equal(t, "PK, SK", *db.queryIns[0].ProjectionExpression)
}

func TestListAssets_NewestFirstQuery(t *testing.T) {
	a := domain.Asset{ID: "a1", UserID: "u", FileName: "f.txt", ContentType: "text/plain", Size: 4, TextExtract: "x", UploadedAt: fixedNow}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{assetItem(a)}}}}
	c := mustNewClient(t, db)

	list, err := c.ListAssets(context.Background(), "u")
	require.NoError(t, err)
	require.Equal(t, []domain.Asset{a}, list)
	require.False(t, *db.queryIns[0].ScanIndexForward)
}

func TestSaveAsset_KeyOrdersByUploadTime(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.SaveAsset(context.Background(), domain.Asset{ID: "a1", UserID: "u", FileName: "f", UploadedAt: fixedNow}))
	require.Equal(t, assetSK(fixedNow, "a1"), sval(t, db.lastPutInput.Item, "SK"))
	require.Less(t, assetSK(fixedNow, "z"), assetSK(fixedNow.Add(time.Second), "a"))
}

func TestDeleteAsset_FindsKeyThenDeletes(t *testing.T) {
	a := domain.Asset{ID: "a1", UserID: "u", FileName: "f", UploadedAt: fixedNow}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{assetItem(a)}}}}
	c := mustNewClient(t, db)

	ok, err := c.DeleteAsset(context.Background(), "u", "a1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "#id = :id", *db.queryIns[0].FilterExpression)
	require.Equal(t, "USER#u", sval(t, db.lastDeleteIn.Key, "PK"))
	require.Equal(t, assetSK(fixedNow, "a1"), sval(t, db.lastDeleteIn.Key, "SK"))
}

func TestDeleteAsset_Missing(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	ok, err := c.DeleteAsset(context.Background(), "u", "nope")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, db.lastDeleteIn)

	db.queryErr = errors.New("throttled")
	_, err = c.DeleteAsset(context.Background(), "u", "nope")
	require.ErrorContains(t, err, "throttled")
}

func TestPing_DescribesTable(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.Ping(context.Background()))
	require.Equal(t, "test-table", *db.descIn.TableName)

	db.descErr = errors.New("ResourceNotFoundException")
	require.ErrorContains(t, c.Ping(context.Background()), "ResourceNotFoundException")
}
