package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/segmentation"
)

// RuleCompiler parses and schema-checks targeting rules.
type RuleCompiler interface {
	Compile(src string) (*segmentation.Node, error)
}

// TemplateValidator checks that a template's Liquid sources parse.
type TemplateValidator interface {
	ValidateTemplate(t domain.TemplateRef) error
}

// ValidationError lists every problem found in an operator input.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// maxTransitionAttempts bounds the re-read loop when a status change keeps
// losing its compare-and-set.
const maxTransitionAttempts = 3

// Service implements campaign business logic. All public methods are safe
// for concurrent use if the underlying repository is concurrency-safe.
type Service struct {
	repo      Repository
	rules     RuleCompiler
	templates TemplateValidator
	now       func() time.Time
}

// NewService creates a campaign service backed by the given repository.
func NewService(repo Repository, rules RuleCompiler, templates TemplateValidator) *Service {
	return &Service{repo: repo, rules: rules, templates: templates, now: time.Now}
}

// WithClock replaces the wall clock; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name            string             `json:"name"`
	Segment         string             `json:"segment"`
	Rule            string             `json:"rule"`
	Template        domain.TemplateRef `json:"template"`
	Schedule        domain.Schedule    `json:"schedule"`
	CooldownSeconds int64              `json:"cooldown_seconds"`
}

// RuleReport is the outcome of ValidateRule.
type RuleReport struct {
	Valid    bool               `json:"valid"`
	Rule     *segmentation.Node `json:"rule,omitempty"`
	Canon    string             `json:"canonical,omitempty"`
	Problems []string           `json:"problems,omitempty"`
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.GetCampaign(ctx, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.ListCampaigns(ctx, f)
}

// Runs returns the most recent runs of a campaign.
func (s *Service) Runs(ctx context.Context, id string, limit int) ([]domain.SchedulerRun, error) {
	if _, err := s.repo.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListRuns(ctx, id, limit)
}

// ValidateRule compiles a rule against the attribute schema without
// persisting anything.
func (s *Service) ValidateRule(src string) RuleReport {
	n, err := s.rules.Compile(src)
	if err == nil {
		return RuleReport{Valid: true, Rule: n, Canon: n.String()}
	}
	return RuleReport{Problems: ruleProblems(err)}
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Campaign, error) {
	var problems []string

	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(input.Rule) == "" {
		problems = append(problems, "rule is required")
	} else if _, err := s.rules.Compile(input.Rule); err != nil {
		for _, p := range ruleProblems(err) {
			problems = append(problems, "rule: "+p)
		}
	}
	if err := s.templates.ValidateTemplate(input.Template); err != nil {
		problems = append(problems, err.Error())
	}
	if err := input.Schedule.Validate(); err != nil {
		problems = append(problems, "schedule: "+err.Error())
	}
	if input.CooldownSeconds < 0 {
		problems = append(problems, "cooldown_seconds must be >= 0")
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	now := s.now().UTC()
	c := &domain.Campaign{
		ID:              uuid.New().String(),
		Name:            input.Name,
		Segment:         input.Segment,
		Rule:            input.Rule,
		Template:        input.Template,
		Schedule:        input.Schedule,
		CooldownSeconds: input.CooldownSeconds,
		CooldownAnchor:  now,
		Status:          domain.CampaignDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	log.Printf("[campaign.Service] Created campaign %s (%s)", c.ID, c.Name)
	return c, nil
}

// Activate moves a draft campaign to active and schedules its first fire.
func (s *Service) Activate(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, "activate", []domain.CampaignStatus{domain.CampaignDraft}, func(c *domain.Campaign, now time.Time) {
		c.Status = domain.CampaignActive
		first := c.Schedule.FirstFire(now)
		c.NextFireAt = &first
		c.HaltReason = ""
	})
}

// Pause stops an active campaign from firing. In-flight runs finish their
// current batch and start no new ones.
func (s *Service) Pause(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, "pause", []domain.CampaignStatus{domain.CampaignActive}, func(c *domain.Campaign, _ time.Time) {
		c.Status = domain.CampaignPaused
	})
}

// Resume reactivates a paused campaign and clears any halt reason. A fire
// that was due when the campaign paused is still due.
func (s *Service) Resume(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, "resume", []domain.CampaignStatus{domain.CampaignPaused}, func(c *domain.Campaign, now time.Time) {
		c.Status = domain.CampaignActive
		c.HaltReason = ""
		if c.NextFireAt == nil {
			first := c.Schedule.FirstFire(now)
			c.NextFireAt = &first
		}
	})
}

// Complete retires a campaign. Campaigns are never deleted.
func (s *Service) Complete(ctx context.Context, id string) (*domain.Campaign, error) {
	from := []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignActive, domain.CampaignPaused}
	return s.transition(ctx, id, "complete", from, func(c *domain.Campaign, _ time.Time) {
		c.Status = domain.CampaignCompleted
		c.NextFireAt = nil
	})
}

// ResetCooldown starts a new cooldown epoch anchored at now, so every
// recipient becomes eligible again regardless of earlier sends.
func (s *Service) ResetCooldown(ctx context.Context, id string) (*domain.Campaign, error) {
	from := []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignActive, domain.CampaignPaused}
	return s.transition(ctx, id, "reset cooldown", from, func(c *domain.Campaign, now time.Time) {
		c.CooldownEpoch++
		c.CooldownAnchor = now
	})
}

// transition loads the campaign, checks the allowed source statuses, applies
// mutate and writes back with a compare-and-set on the loaded state. A write
// that lost to the scheduler advancing the schedule is retried on a fresh
// read so the new fire times are kept.
func (s *Service) transition(ctx context.Context, id, action string, from []domain.CampaignStatus, mutate func(*domain.Campaign, time.Time)) (*domain.Campaign, error) {
	for attempt := 1; ; attempt++ {
		c, err := s.repo.GetCampaign(ctx, id)
		if err != nil {
			return nil, err
		}
		if !statusIn(c.Status, from) {
			return nil, fmt.Errorf("%w: cannot %s a %s campaign", ErrInvalidTransition, action, c.Status)
		}

		expect := ExpectOf(c)
		now := s.now().UTC()
		mutate(c, now)
		c.UpdatedAt = now

		ok, err := s.repo.UpdateCampaign(ctx, c, expect)
		if err != nil {
			return nil, fmt.Errorf("%s campaign: %w", action, err)
		}
		if ok {
			log.Printf("[campaign.Service] Campaign %s: %s (%s -> %s)", id, action, expect.Status, c.Status)
			return c, nil
		}
		if attempt == maxTransitionAttempts {
			return nil, fmt.Errorf("%s campaign %s: %w", action, id, ErrConflict)
		}
	}
}

func statusIn(s domain.CampaignStatus, set []domain.CampaignStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func ruleProblems(err error) []string {
	var ve *segmentation.ValidationError
	if errors.As(err, &ve) {
		return ve.Problems
	}
	return []string{err.Error()}
}
