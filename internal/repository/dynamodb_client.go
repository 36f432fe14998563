package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"virtual-product-owner/internal/domain"
)

const (
	skPrefixStory = "STORY#"
	skPrefixAsset = "ASSET#"
	skPrefixMsg   = "MSG#"
	skMeta        = "META#"

	// sortableTime has a fixed width so sort keys order chronologically.
	sortableTime = "2006-01-02T15:04:05.000000000Z"

	batchWriteLimit   = 25
	batchWriteRetries = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Client stores stories, assets and conversations in a single DynamoDB
// table. Stories and assets live under the owning user's partition, so the
// key itself enforces ownership. Conversations are partitioned by story.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	seq       atomic.Uint64
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	o := buildOptions(opts)
	return &Client{api: api, tableName: tableName, now: o.now}, nil
}

func userPK(userID string) string {
	return "USER#" + userID
}

// convPK returns the DynamoDB partition key for a story's conversation.
func convPK(storyID string) string {
	return "CONV#" + storyID
}

func storySK(id string) string {
	return skPrefixStory + id
}

// msgSK orders messages by time, then by a per-process sequence so that
// messages written within the same nanosecond keep their insertion order.
func msgSK(ts time.Time, seq uint64) string {
	return fmt.Sprintf("%s%s#%020d", skPrefixMsg, ts.UTC().Format(sortableTime), seq)
}

func assetSK(ts time.Time, id string) string {
	return skPrefixAsset + ts.UTC().Format(sortableTime) + "#" + id
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// ---- stories ----

func (c *Client) List(ctx context.Context, userID string) ([]domain.Story, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixStory},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: List: %w", err)
	}
	out := make([]domain.Story, 0, len(items))
	for _, item := range items {
		s, err := itemToStory(item)
		if err != nil {
			return nil, fmt.Errorf("repository: List unmarshal: %w", err)
		}
		out = append(out, s)
	}
	sortStories(out)
	return out, nil
}

func (c *Client) Create(ctx context.Context, userID, title, description string, points int) (domain.Story, error) {
	now := c.now().UTC()
	s := domain.Story{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: description,
		Points:      points,
		Approval:    domain.Draft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                storyItem(s),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Story{}, fmt.Errorf("repository: Create: %w", err)
	}
	return s, nil
}

// Update writes every mutable field in one conditional UpdateItem, so a row
// that vanished or belongs to someone else is never touched.
func (c *Client) Update(ctx context.Context, userID string, story domain.Story) (bool, error) {
	expr := newUpdateExpr()
	expr.set("title", str(story.Title))
	expr.set("description", str(story.Description))
	expr.set("points", num(story.Points))
	expr.set("area", str(story.Area))
	expr.set("iteration", str(story.Iteration))
	expr.set("state", str(story.State))
	expr.set("assignedTo", str(story.AssignedTo))
	expr.setOrRemove("priority", optNum(story.Priority))
	expr.set("risk", str(story.Risk))
	expr.setOrRemove("targetDate", optTime(story.TargetDate))
	expr.set("acceptanceCriteria", str(story.AcceptanceCriteria))
	expr.set("relatedWorkItem", str(story.RelatedWorkItem))
	expr.set("useCase", str(story.UseCase))
	expr.set("approval", str(story.Approval.String()))
	expr.set("approvedBy", str(story.ApprovedBy))
	expr.setOrRemove("approvedAt", optTime(story.ApprovedAt))
	expr.set("rejectionReason", str(story.RejectionReason))
	expr.set("externalId", str(story.ExternalID))
	expr.set("externalUrl", str(story.ExternalURL))
	expr.setOrRemove("syncedAt", optTime(story.SyncedAt))
	expr.set("updatedAt", timeAttr(c.now()))

	expr.names["#owner"] = "userId"
	expr.values[":owner"] = str(userID)

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key(userPK(userID), storySK(story.ID)),
		UpdateExpression:          aws.String(expr.String()),
		ConditionExpression:       aws.String("attribute_exists(PK) AND #owner = :owner"),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.values,
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: Update: %w", err)
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, userID, id string) (bool, error) {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(userPK(userID), storySK(id)),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: Delete: %w", err)
	}
	return true, nil
}

func (c *Client) GetByID(ctx context.Context, userID, id string) (domain.Story, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(userID), storySK(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Story{}, false, fmt.Errorf("repository: GetByID get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Story{}, false, nil
	}
	s, err := itemToStory(out.Item)
	if err != nil {
		return domain.Story{}, false, fmt.Errorf("repository: GetByID unmarshal: %w", err)
	}
	if s.UserID != userID {
		return domain.Story{}, false, nil
	}
	return s, true, nil
}

// ---- conversations ----

func (c *Client) GetOrCreateThread(ctx context.Context, storyID string) (domain.ConversationThread, error) {
	t, ok, err := c.getThread(ctx, storyID)
	if err != nil || ok {
		return t, err
	}
	now := c.now().UTC()
	t = domain.ConversationThread{ID: uuid.NewString(), StoryID: storyID, CreatedAt: now, UpdatedAt: now}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                threadItem(t),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if isConditionFailed(err) {
		// Another request created it first.
		t, _, err = c.getThread(ctx, storyID)
		return t, err
	}
	if err != nil {
		return domain.ConversationThread{}, fmt.Errorf("repository: GetOrCreateThread: %w", err)
	}
	return t, nil
}

func (c *Client) getThread(ctx context.Context, storyID string) (domain.ConversationThread, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(storyID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationThread{}, false, fmt.Errorf("repository: get thread: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationThread{}, false, nil
	}
	t, err := itemToThread(out.Item)
	if err != nil {
		return domain.ConversationThread{}, false, fmt.Errorf("repository: get thread unmarshal: %w", err)
	}
	return t, true, nil
}

// AppendMessage writes the message and touches the thread record in one
// transaction, creating the thread if it does not exist yet.
func (c *Client) AppendMessage(ctx context.Context, storyID string, role domain.Role, content string) (domain.Message, error) {
	now := c.now().UTC()
	msg := domain.Message{ID: uuid.NewString(), StoryID: storyID, Role: role, Content: content, CreatedAt: now}
	sk := msgSK(now, c.seq.Add(1))

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(msg, sk),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              key(convPK(storyID), skMeta),
					UpdateExpression: aws.String("SET #id = if_not_exists(#id, :id), #sid = :sid, #created = if_not_exists(#created, :now), #updated = :now"),
					ExpressionAttributeNames: map[string]string{
						"#id":      "id",
						"#sid":     "storyId",
						"#created": "createdAt",
						"#updated": "updatedAt",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":id":  str(uuid.NewString()),
						":sid": str(storyID),
						":now": timeAttr(now),
					},
				},
			},
		},
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return msg, nil
}

// History returns every message of a story in insertion order.
func (c *Client) History(ctx context.Context, storyID string) ([]domain.Message, error) {
	items, err := c.queryAll(ctx, c.messageQuery(storyID, true))
	if err != nil {
		return nil, fmt.Errorf("repository: History query: %w", err)
	}
	return itemsToMessages(items)
}

// RecentHistory returns the newest limit messages in chronological order.
func (c *Client) RecentHistory(ctx context.Context, storyID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	in := c.messageQuery(storyID, false)
	// Read newest first so LIMIT favors the most recent context.
	in.Limit = aws.Int32(int32(limit))
	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentHistory query: %w", err)
	}
	msgs, err := itemsToMessages(out.Items)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (c *Client) messageQuery(storyID string, ascending bool) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     str(convPK(storyID)),
			":prefix": str(skPrefixMsg),
		},
		ScanIndexForward: aws.Bool(ascending),
		ConsistentRead:   aws.Bool(true),
	}
}

// DeleteConversation removes the thread record and all messages of a story.
func (c *Client) DeleteConversation(ctx context.Context, storyID string) error {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": str(convPK(storyID)),
		},
		ProjectionExpression: aws.String("PK, SK"),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation query: %w", err)
	}
	for start := 0; start < len(items); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(items))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]}},
			})
		}
		if err := c.batchWrite(ctx, reqs); err != nil {
			return fmt.Errorf("repository: DeleteConversation: %w", err)
		}
	}
	return nil
}

func (c *Client) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: reqs}
	for attempt := 0; attempt < batchWriteRetries; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return fmt.Errorf("%d items left unprocessed", len(pending[c.tableName]))
}

// ---- assets ----

func (c *Client) SaveAsset(ctx context.Context, a domain.Asset) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      assetItem(a),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveAsset: %w", err)
	}
	return nil
}

// ListAssets returns the user's assets, newest first.
func (c *Client) ListAssets(ctx context.Context, userID string) ([]domain.Asset, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     str(userPK(userID)),
			":prefix": str(skPrefixAsset),
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListAssets: %w", err)
	}
	out := make([]domain.Asset, 0, len(items))
	for _, item := range items {
		a, err := itemToAsset(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListAssets unmarshal: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteAsset looks the asset up by id inside the user's partition, since
// its sort key starts with the upload time, and deletes that item.
func (c *Client) DeleteAsset(ctx context.Context, userID, id string) (bool, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("#id = :id"),
		ProjectionExpression:   aws.String("PK, SK"),
		ExpressionAttributeNames: map[string]string{
			"#id": "id",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     str(userPK(userID)),
			":prefix": str(skPrefixAsset),
			":id":     str(id),
		},
	})
	if err != nil {
		return false, fmt.Errorf("repository: DeleteAsset query: %w", err)
	}
	if len(items) == 0 {
		return false, nil
	}
	sk, err := strAttr(items[0], "SK")
	if err != nil {
		return false, fmt.Errorf("repository: DeleteAsset: %w", err)
	}
	_, err = c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(userPK(userID), sk),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: DeleteAsset: %w", err)
	}
	return true, nil
}

// Ping describes the table, which fails when the table or the credentials
// are gone.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)}); err != nil {
		return fmt.Errorf("repository: describe table: %w", err)
	}
	return nil
}

// queryAll follows LastEvaluatedKey until the result set is exhausted.
func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// updateExpr accumulates SET and REMOVE clauses with placeholder names.
type updateExpr struct {
	sets    []string
	removes []string
	names   map[string]string
	values  map[string]types.AttributeValue
}

func newUpdateExpr() *updateExpr {
	return &updateExpr{names: map[string]string{}, values: map[string]types.AttributeValue{}}
}

func (u *updateExpr) set(attr string, v types.AttributeValue) {
	u.names["#"+attr] = attr
	u.values[":"+attr] = v
	u.sets = append(u.sets, fmt.Sprintf("#%s = :%s", attr, attr))
}

func (u *updateExpr) setOrRemove(attr string, v types.AttributeValue) {
	if v == nil {
		u.names["#"+attr] = attr
		u.removes = append(u.removes, "#"+attr)
		return
	}
	u.set(attr, v)
}

func (u *updateExpr) String() string {
	expr := "SET " + strings.Join(u.sets, ", ")
	if len(u.removes) > 0 {
		expr += " REMOVE " + strings.Join(u.removes, ", ")
	}
	return expr
}

// ---- item mapping ----

func str(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func num(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func optNum(n *int) types.AttributeValue {
	if n == nil {
		return nil
	}
	return num(*n)
}

func timeAttr(t time.Time) types.AttributeValue {
	return str(t.UTC().Format(time.RFC3339Nano))
}

func optTime(t *time.Time) types.AttributeValue {
	if t == nil {
		return nil
	}
	return timeAttr(*t)
}

func storyItem(s domain.Story) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":                 str(userPK(s.UserID)),
		"SK":                 str(storySK(s.ID)),
		"id":                 str(s.ID),
		"userId":             str(s.UserID),
		"title":              str(s.Title),
		"description":        str(s.Description),
		"points":             num(s.Points),
		"area":               str(s.Area),
		"iteration":          str(s.Iteration),
		"state":              str(s.State),
		"assignedTo":         str(s.AssignedTo),
		"risk":               str(s.Risk),
		"acceptanceCriteria": str(s.AcceptanceCriteria),
		"relatedWorkItem":    str(s.RelatedWorkItem),
		"useCase":            str(s.UseCase),
		"approval":           str(s.Approval.String()),
		"approvedBy":         str(s.ApprovedBy),
		"rejectionReason":    str(s.RejectionReason),
		"externalId":         str(s.ExternalID),
		"externalUrl":        str(s.ExternalURL),
		"createdAt":          timeAttr(s.CreatedAt),
		"updatedAt":          timeAttr(s.UpdatedAt),
	}
	for k, v := range map[string]types.AttributeValue{
		"priority":   optNum(s.Priority),
		"targetDate": optTime(s.TargetDate),
		"approvedAt": optTime(s.ApprovedAt),
		"syncedAt":   optTime(s.SyncedAt),
	} {
		if v != nil {
			item[k] = v
		}
	}
	return item
}

func itemToStory(item map[string]types.AttributeValue) (domain.Story, error) {
	var s domain.Story
	var err error
	if s.ID, err = strAttr(item, "id"); err != nil {
		return domain.Story{}, err
	}
	if s.UserID, err = strAttr(item, "userId"); err != nil {
		return domain.Story{}, err
	}
	if s.Title, err = strAttr(item, "title"); err != nil {
		return domain.Story{}, err
	}
	if s.Points, err = intAttr(item, "points"); err != nil {
		return domain.Story{}, err
	}
	approval, err := strAttr(item, "approval")
	if err != nil {
		return domain.Story{}, err
	}
	if s.Approval, err = domain.ParseApprovalStatus(approval); err != nil {
		return domain.Story{}, err
	}
	if s.CreatedAt, err = timeValue(item, "createdAt"); err != nil {
		return domain.Story{}, err
	}
	if s.UpdatedAt, err = timeValue(item, "updatedAt"); err != nil {
		return domain.Story{}, err
	}

	// Optional attributes; absent means empty.
	s.Description, _ = strAttr(item, "description")
	s.Area, _ = strAttr(item, "area")
	s.Iteration, _ = strAttr(item, "iteration")
	s.State, _ = strAttr(item, "state")
	s.AssignedTo, _ = strAttr(item, "assignedTo")
	s.Risk, _ = strAttr(item, "risk")
	s.AcceptanceCriteria, _ = strAttr(item, "acceptanceCriteria")
	s.RelatedWorkItem, _ = strAttr(item, "relatedWorkItem")
	s.UseCase, _ = strAttr(item, "useCase")
	s.ApprovedBy, _ = strAttr(item, "approvedBy")
	s.RejectionReason, _ = strAttr(item, "rejectionReason")
	s.ExternalID, _ = strAttr(item, "externalId")
	s.ExternalURL, _ = strAttr(item, "externalUrl")
	if p, err := intAttr(item, "priority"); err == nil {
		s.Priority = &p
	}
	s.TargetDate = optTimeValue(item, "targetDate")
	s.ApprovedAt = optTimeValue(item, "approvedAt")
	s.SyncedAt = optTimeValue(item, "syncedAt")
	return s, nil
}

func threadItem(t domain.ConversationThread) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        str(convPK(t.StoryID)),
		"SK":        str(skMeta),
		"id":        str(t.ID),
		"storyId":   str(t.StoryID),
		"createdAt": timeAttr(t.CreatedAt),
		"updatedAt": timeAttr(t.UpdatedAt),
	}
}

func itemToThread(item map[string]types.AttributeValue) (domain.ConversationThread, error) {
	var t domain.ConversationThread
	var err error
	if t.ID, err = strAttr(item, "id"); err != nil {
		return t, err
	}
	if t.StoryID, err = strAttr(item, "storyId"); err != nil {
		return t, err
	}
	if t.CreatedAt, err = timeValue(item, "createdAt"); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = timeValue(item, "updatedAt"); err != nil {
		return t, err
	}
	return t, nil
}

func messageItem(m domain.Message, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        str(convPK(m.StoryID)),
		"SK":        str(sk),
		"id":        str(m.ID),
		"storyId":   str(m.StoryID),
		"role":      str(string(m.Role)),
		"content":   str(m.Content),
		"createdAt": timeAttr(m.CreatedAt),
	}
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	var m domain.Message
	var err error
	if m.ID, err = strAttr(item, "id"); err != nil {
		return m, err
	}
	if m.StoryID, err = strAttr(item, "storyId"); err != nil {
		return m, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return m, err
	}
	if m.Role, err = domain.ParseRole(role); err != nil {
		return m, err
	}
	m.Content, _ = strAttr(item, "content") // allow empty
	if m.CreatedAt, err = timeValue(item, "createdAt"); err != nil {
		return m, err
	}
	return m, nil
}

func itemsToMessages(items []map[string]types.AttributeValue) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		m, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: message unmarshal: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func assetItem(a domain.Asset) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          str(userPK(a.UserID)),
		"SK":          str(assetSK(a.UploadedAt, a.ID)),
		"id":          str(a.ID),
		"userId":      str(a.UserID),
		"fileName":    str(a.FileName),
		"contentType": str(a.ContentType),
		"size":        &types.AttributeValueMemberN{Value: strconv.FormatInt(a.Size, 10)},
		"textExtract": str(a.TextExtract),
		"uploadedAt":  timeAttr(a.UploadedAt),
	}
}

func itemToAsset(item map[string]types.AttributeValue) (domain.Asset, error) {
	var a domain.Asset
	var err error
	if a.ID, err = strAttr(item, "id"); err != nil {
		return a, err
	}
	if a.UserID, err = strAttr(item, "userId"); err != nil {
		return a, err
	}
	if a.FileName, err = strAttr(item, "fileName"); err != nil {
		return a, err
	}
	if a.UploadedAt, err = timeValue(item, "uploadedAt"); err != nil {
		return a, err
	}
	a.ContentType, _ = strAttr(item, "contentType")
	a.TextExtract, _ = strAttr(item, "textExtract")
	if size, err := intAttr(item, "size"); err == nil {
		a.Size = int64(size)
	}
	return a, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeValue(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t.UTC(), nil
}

func optTimeValue(item map[string]types.AttributeValue, key string) *time.Time {
	t, err := timeValue(item, key)
	if err != nil {
		return nil
	}
	return &t
}
