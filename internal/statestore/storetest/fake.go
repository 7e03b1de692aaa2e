// Package storetest provides a hand-rolled in-memory double for the slice
// of dynamodbiface.DynamoDBAPI that internal/statestore.Client consumes, so
// both that package's own tests and its callers' tests (internal/lease,
// internal/consumer) can exercise real conditional-update semantics without
// a network dependency.
package storetest

import (
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// FakeDynamoDB is a minimal in-memory single-table DynamoDB double.
// Embedding dynamodbiface.DynamoDBAPI satisfies the (huge) interface; only
// the operations the coordination KV client actually calls are overridden.
type FakeDynamoDB struct {
	dynamodbiface.DynamoDBAPI

	items map[string]map[string]*dynamodb.AttributeValue
	tags  map[string]string
}

// New returns an empty FakeDynamoDB.
func New() *FakeDynamoDB {
	return &FakeDynamoDB{
		items: make(map[string]map[string]*dynamodb.AttributeValue),
		tags:  make(map[string]string),
	}
}

func itemKey(key map[string]*dynamodb.AttributeValue) string {
	return aws.StringValue(key["consumer_group"].S) + "/" + aws.StringValue(key["stream_name"].S)
}

func condFailed() error {
	return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "the conditional request failed", nil)
}

func (f *FakeDynamoDB) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *FakeDynamoDB) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	key := itemKey(in.Item)
	if in.ConditionExpression != nil {
		if !f.evalCondition(*in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.items[key]) {
			return nil, condFailed()
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *FakeDynamoDB) UpdateItemWithContext(_ aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	key := itemKey(in.Key)
	existing := f.items[key]
	if in.ConditionExpression != nil {
		if !f.evalCondition(*in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing) {
			return nil, condFailed()
		}
	}
	if existing == nil {
		existing = map[string]*dynamodb.AttributeValue{
			"consumer_group": in.Key["consumer_group"],
			"stream_name":    in.Key["stream_name"],
		}
	}
	applyUpdate(existing, *in.UpdateExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	f.items[key] = existing
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *FakeDynamoDB) DeleteItemWithContext(_ aws.Context, in *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	key := itemKey(in.Key)
	if in.ConditionExpression != nil {
		if !f.evalCondition(*in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.items[key]) {
			return nil, condFailed()
		}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *FakeDynamoDB) DescribeTableWithContext(_ aws.Context, in *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{Table: &dynamodb.TableDescription{
		TableName:   in.TableName,
		TableArn:    aws.String("arn:aws:dynamodb:local:000000000000:table/" + aws.StringValue(in.TableName)),
		TableStatus: aws.String(dynamodb.TableStatusActive),
	}}, nil
}

func (f *FakeDynamoDB) CreateTableWithContext(_ aws.Context, _ *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *FakeDynamoDB) TagResourceWithContext(_ aws.Context, in *dynamodb.TagResourceInput, _ ...request.Option) (*dynamodb.TagResourceOutput, error) {
	for _, t := range in.Tags {
		f.tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	return &dynamodb.TagResourceOutput{}, nil
}

func (f *FakeDynamoDB) ListTagsOfResourceWithContext(_ aws.Context, in *dynamodb.ListTagsOfResourceInput, _ ...request.Option) (*dynamodb.ListTagsOfResourceOutput, error) {
	tags := make([]*dynamodb.Tag, 0, len(f.tags))
	for k, v := range f.tags {
		tags = append(tags, &dynamodb.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return &dynamodb.ListTagsOfResourceOutput{Tags: tags}, nil
}

// evalCondition supports exactly the two condition shapes the coordination
// KV client ever builds: `attribute_not_exists (#path)` and `#path = :value`.
func (f *FakeDynamoDB) evalCondition(expr string, names map[string]*string, values map[string]*dynamodb.AttributeValue, item map[string]*dynamodb.AttributeValue) bool {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "attribute_not_exists") {
		inner := extractParen(expr)
		_, ok := navigate(item, resolvePath(inner, names))
		return !ok
	}
	parts := strings.SplitN(expr, " = ", 2)
	if len(parts) != 2 {
		return true
	}
	path := resolvePath(strings.TrimSpace(parts[0]), names)
	val, ok := navigate(item, path)
	if !ok {
		return false
	}
	want := values[strings.TrimSpace(parts[1])]
	return attrEqual(val, want)
}

func extractParen(expr string) string {
	start := strings.Index(expr, "(")
	end := strings.LastIndex(expr, ")")
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return expr[start+1 : end]
}

func resolvePath(expr string, names map[string]*string) []string {
	tokens := strings.Split(expr, ".")
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if name, ok := names[tok]; ok {
			out = append(out, aws.StringValue(name))
		} else {
			out = append(out, tok)
		}
	}
	return out
}

func navigate(item map[string]*dynamodb.AttributeValue, path []string) (*dynamodb.AttributeValue, bool) {
	if item == nil || len(path) == 0 {
		return nil, false
	}
	v, ok := item[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	if v.M == nil {
		return nil, false
	}
	return navigate(v.M, path[1:])
}

func attrEqual(a, b *dynamodb.AttributeValue) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.S != nil && b.S != nil {
		return *a.S == *b.S
	}
	if a.N != nil && b.N != nil {
		return *a.N == *b.N
	}
	if a.BOOL != nil && b.BOOL != nil {
		return *a.BOOL == *b.BOOL
	}
	return false
}

// applyUpdate supports exactly the update shapes store.go ever builds: SET
// of scalar/map values and if_not_exists, and REMOVE.
func applyUpdate(item map[string]*dynamodb.AttributeValue, expr string, names map[string]*string, values map[string]*dynamodb.AttributeValue) {
	for _, clause := range splitClauses(expr) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		if strings.HasPrefix(clause, "SET") {
			applySet(item, strings.TrimSpace(strings.TrimPrefix(clause, "SET")), names, values)
		} else if strings.HasPrefix(clause, "REMOVE") {
			applyRemove(item, strings.TrimSpace(strings.TrimPrefix(clause, "REMOVE")), names)
		}
	}
}

func splitClauses(expr string) []string {
	// The expression package emits one SET clause and one REMOVE clause at
	// most, in either order; split on the keyword itself.
	var out []string
	rest := expr
	for _, kw := range []string{"SET", "REMOVE"} {
		if idx := strings.Index(rest, kw); idx > 0 {
			out = append(out, rest[:idx])
			rest = rest[idx:]
		}
	}
	out = append(out, rest)
	return out
}

func applySet(item map[string]*dynamodb.AttributeValue, assignments string, names map[string]*string, values map[string]*dynamodb.AttributeValue) {
	for _, a := range splitTopLevel(assignments) {
		eq := strings.Index(a, "=")
		if eq < 0 {
			continue
		}
		path := resolvePath(strings.TrimSpace(a[:eq]), names)
		rhs := strings.TrimSpace(a[eq+1:])
		if strings.HasPrefix(rhs, "if_not_exists") {
			inner := extractParen(rhs)
			args := strings.SplitN(inner, ",", 2)
			if _, ok := navigate(item, path); ok {
				continue
			}
			rhs = strings.TrimSpace(args[len(args)-1])
		}
		setPath(item, path, values[rhs])
	}
}

func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	last := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[last:i])
				last = i + 1
			}
		}
	}
	out = append(out, s[last:])
	return out
}

func setPath(item map[string]*dynamodb.AttributeValue, path []string, value *dynamodb.AttributeValue) {
	if len(path) == 1 {
		item[path[0]] = value
		return
	}
	child, ok := item[path[0]]
	if !ok || child.M == nil {
		child = &dynamodb.AttributeValue{M: map[string]*dynamodb.AttributeValue{}}
		item[path[0]] = child
	}
	setPath(child.M, path[1:], value)
}

func applyRemove(item map[string]*dynamodb.AttributeValue, paths string, names map[string]*string) {
	for _, p := range splitTopLevel(paths) {
		path := resolvePath(strings.TrimSpace(p), names)
		removePath(item, path)
	}
}

func removePath(item map[string]*dynamodb.AttributeValue, path []string) {
	if len(path) == 1 {
		delete(item, path[0])
		return
	}
	child, ok := item[path[0]]
	if !ok || child.M == nil {
		return
	}
	removePath(child.M, path[1:])
}
