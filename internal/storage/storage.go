// Package storage persists sealed scheduler runs and periodic metrics
// snapshots, either to AWS (S3 and DynamoDB) or to a local directory.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/metrics"
	"github.com/ignite/campaign-notifier/internal/scheduler"
)

// Backends bundles the run observer and snapshot sink chosen by
// configuration. Either may be nil when that kind of storage is disabled.
type Backends struct {
	Runs      scheduler.RunObserver
	Snapshots metrics.SnapshotSink
}

// New builds storage backends from configuration. With Type "aws" the S3
// archive and DynamoDB snapshot store are enabled for whichever of
// ArchiveBucket and SnapshotTable is set; with Type "local" both are
// written under LocalPath.
func New(ctx context.Context, cfg config.StorageConfig) (*Backends, error) {
	switch cfg.Type {
	case "aws":
		awsCfg, err := LoadAWSConfig(ctx, cfg.AWSRegion, cfg.GetAWSProfile())
		if err != nil {
			return nil, err
		}
		b := &Backends{}
		if cfg.ArchiveBucket != "" {
			b.Runs = NewRunArchive(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket, "runs")
		}
		if cfg.SnapshotTable != "" {
			b.Snapshots = NewSnapshotStore(dynamodb.NewFromConfig(awsCfg), cfg.SnapshotTable)
		}
		return b, nil
	case "local":
		local, err := NewLocal(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		return &Backends{Runs: local, Snapshots: local}, nil
	case "", "none":
		return &Backends{}, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// =============================================================================
// LOCAL DISK
// =============================================================================

var (
	_ scheduler.RunObserver = (*Local)(nil)
	_ metrics.SnapshotSink  = (*Local)(nil)
)

// Local writes runs and snapshots as JSON files under a root directory.
type Local struct {
	root string
	mu   sync.Mutex
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage requires a path")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &Local{root: root}, nil
}

// RunSealed implements scheduler.RunObserver.
func (l *Local) RunSealed(_ context.Context, c *domain.Campaign, run domain.SchedulerRun) error {
	dir := filepath.Join("runs", filepath.Base(run.CampaignID))
	return l.saveToFile(dir, run.ID, ArchivedRun{Campaign: refFor(c), Run: run})
}

// PutSnapshots implements metrics.SnapshotSink. Each campaign keeps only
// its latest snapshot on disk.
func (l *Local) PutSnapshots(_ context.Context, reports []metrics.Report) error {
	for _, r := range reports {
		key := r.CampaignID
		if key == "" {
			key = "all"
		}
		if err := l.saveToFile("snapshots", key, r); err != nil {
			return err
		}
	}
	return nil
}

// LoadRun reads back an archived run.
func (l *Local) LoadRun(campaignID, runID string) (*ArchivedRun, error) {
	path := filepath.Join(l.root, "runs", filepath.Base(campaignID), filepath.Base(runID)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ar ArchivedRun
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &ar, nil
}

func (l *Local) saveToFile(category, key string, data interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Join(l.root, category)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Sanitize key for filename
	path := filepath.Join(dir, filepath.Base(key)+".json")

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		log.Printf("[Storage] Failed to write %s: %v", path, err)
		return err
	}
	return nil
}
