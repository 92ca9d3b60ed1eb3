package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/metrics"
	"github.com/ignite/campaign-notifier/internal/scheduler"
)

var (
	_ scheduler.RunObserver = (*RunArchive)(nil)
	_ metrics.SnapshotSink  = (*SnapshotStore)(nil)
)

// snapshotTTL bounds how long metrics snapshots are retained.
const snapshotTTL = 90 * 24 * time.Hour

const sortKeyLayout = "2006-01-02T15:04:05Z"

// LoadAWSConfig resolves credentials for region, using the shared profile
// when one is set and the default chain (IAM role on ECS) otherwise.
func LoadAWSConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// S3 RUN ARCHIVE
// =============================================================================

// S3API is the subset of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// RunArchive writes every sealed scheduler run to S3 as JSON.
type RunArchive struct {
	client S3API
	bucket string
	prefix string
}

// NewRunArchive creates an archive writing under prefix in bucket.
func NewRunArchive(client S3API, bucket, prefix string) *RunArchive {
	if prefix == "" {
		prefix = "runs"
	}
	return &RunArchive{client: client, bucket: bucket, prefix: prefix}
}

// ArchivedRun is the document written for each sealed run.
type ArchivedRun struct {
	Campaign CampaignRef         `json:"campaign"`
	Run      domain.SchedulerRun `json:"run"`
}

// CampaignRef is the campaign context stored alongside an archived run.
type CampaignRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Segment  string `json:"segment"`
	Rule     string `json:"rule"`
	Template string `json:"template"`
	Epoch    int    `json:"cooldown_epoch"`
}

func refFor(c *domain.Campaign) CampaignRef {
	return CampaignRef{
		ID:       c.ID,
		Name:     c.Name,
		Segment:  c.Segment,
		Rule:     c.Rule,
		Template: c.Template.Name,
		Epoch:    c.CooldownEpoch,
	}
}

// Key returns the object key for a run: prefix/campaign/yyyy/mm/dd/run.json.
func (a *RunArchive) Key(run domain.SchedulerRun) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", a.prefix, run.CampaignID,
		run.StartedAt.UTC().Format("2006/01/02"), run.ID)
}

// RunSealed implements scheduler.RunObserver.
func (a *RunArchive) RunSealed(ctx context.Context, c *domain.Campaign, run domain.SchedulerRun) error {
	data, err := json.MarshalIndent(ArchivedRun{Campaign: refFor(c), Run: run}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(run)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting run %s to S3: %w", run.ID, err)
	}
	return nil
}

// =============================================================================
// DYNAMODB METRICS SNAPSHOTS
// =============================================================================

// DynamoAPI is the subset of the DynamoDB client the snapshot store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// SnapshotItem is one stored campaign report. PK is CAMPAIGN#<id>, SK the
// generation time.
type SnapshotItem struct {
	PK           string  `dynamodbav:"PK"`
	SK           string  `dynamodbav:"SK"`
	CampaignID   string  `dynamodbav:"CampaignID"`
	Total        int64   `dynamodbav:"Total"`
	Queued       int64   `dynamodbav:"Queued"`
	Sent         int64   `dynamodbav:"Sent"`
	Delivered    int64   `dynamodbav:"Delivered"`
	Read         int64   `dynamodbav:"Read"`
	Failed       int64   `dynamodbav:"Failed"`
	DeliveryRate float64 `dynamodbav:"DeliveryRate"`
	ReadRate     float64 `dynamodbav:"ReadRate"`
	Data         string  `dynamodbav:"Data"`
	TTL          int64   `dynamodbav:"TTL,omitempty"`
}

// SnapshotStore persists metrics reports to a DynamoDB table.
type SnapshotStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewSnapshotStore creates a snapshot store over table.
func NewSnapshotStore(client DynamoAPI, table string) *SnapshotStore {
	return &SnapshotStore{client: client, table: table, now: time.Now}
}

func snapshotPK(campaignID string) string {
	return "CAMPAIGN#" + campaignID
}

// PutSnapshots implements metrics.SnapshotSink.
func (s *SnapshotStore) PutSnapshots(ctx context.Context, reports []metrics.Report) error {
	for _, r := range reports {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling report: %w", err)
		}
		generated := r.GeneratedAt
		if generated.IsZero() {
			generated = s.now()
		}
		item := SnapshotItem{
			PK:           snapshotPK(r.CampaignID),
			SK:           generated.UTC().Format(sortKeyLayout),
			CampaignID:   r.CampaignID,
			Total:        r.Total,
			Queued:       r.Counts.Queued,
			Sent:         r.Counts.Sent,
			Delivered:    r.Counts.Delivered,
			Read:         r.Counts.Read,
			Failed:       r.Counts.Failed,
			DeliveryRate: r.DeliveryRate,
			ReadRate:     r.ReadRate,
			Data:         string(data),
			TTL:          generated.Add(snapshotTTL).Unix(),
		}

		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return fmt.Errorf("marshaling item: %w", err)
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      av,
		})
		if err != nil {
			return fmt.Errorf("putting snapshot for %s: %w", r.CampaignID, err)
		}
	}
	return nil
}

// ListSnapshots returns the stored reports for a campaign generated in
// [from, to], oldest first.
func (s *SnapshotStore) ListSnapshots(ctx context.Context, campaignID string, from, to time.Time) ([]metrics.Report, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: snapshotPK(campaignID)},
			":from": &types.AttributeValueMemberS{Value: from.UTC().Format(sortKeyLayout)},
			":to":   &types.AttributeValueMemberS{Value: to.UTC().Format(sortKeyLayout)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}

	out := make([]metrics.Report, 0, len(result.Items))
	for _, raw := range result.Items {
		var item SnapshotItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		var r metrics.Report
		if err := json.Unmarshal([]byte(item.Data), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
