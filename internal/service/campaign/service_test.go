package campaign_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/render"
	"github.com/ignite/campaign-notifier/internal/repository/memory"
	"github.com/ignite/campaign-notifier/internal/segmentation"
	"github.com/ignite/campaign-notifier/internal/service/campaign"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newService() (*campaign.Service, *memory.Store) {
	store := memory.New()
	svc := campaign.NewService(store, segmentation.NewEngine(nil, nil), render.NewEngine()).
		WithClock(func() time.Time { return t0 })
	return svc, store
}

func validInput() campaign.CreateInput {
	return campaign.CreateInput{
		Name:    "Trial nudge",
		Segment: "trial",
		Rule:    `tier = "trial" AND usage_count >= 5`,
		Template: domain.TemplateRef{
			Name:     "trial_nudge",
			Language: "en_US",
			Params:   []string{"{{ first_name | default: \"there\" }}"},
		},
		Schedule:        domain.Schedule{Kind: domain.ScheduleInterval, EverySeconds: 3600},
		CooldownSeconds: 86400,
	}
}

func mustCreate(t *testing.T, svc *campaign.Service) *domain.Campaign {
	t.Helper()
	c, err := svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func TestCreate(t *testing.T) {
	svc, store := newService()
	c := mustCreate(t, svc)

	if c.ID == "" {
		t.Fatal("expected generated id")
	}
	if c.Status != domain.CampaignDraft {
		t.Errorf("status = %s, want draft", c.Status)
	}
	if !c.CooldownAnchor.Equal(t0) || c.CooldownEpoch != 0 {
		t.Errorf("cooldown anchor/epoch = %v/%d", c.CooldownAnchor, c.CooldownEpoch)
	}
	if c.NextFireAt != nil {
		t.Error("draft campaign must not be scheduled")
	}

	got, err := store.GetCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Trial nudge" {
		t.Errorf("stored name = %q", got.Name)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newService()

	cases := []struct {
		name   string
		mutate func(*campaign.CreateInput)
		want   string
	}{
		{"missing name", func(in *campaign.CreateInput) { in.Name = "  " }, "name is required"},
		{"missing rule", func(in *campaign.CreateInput) { in.Rule = "" }, "rule is required"},
		{"unknown attribute", func(in *campaign.CreateInput) { in.Rule = `favourite_colour = "blue"` }, "rule:"},
		{"syntax error", func(in *campaign.CreateInput) { in.Rule = `tier = ` }, "rule:"},
		{"missing template name", func(in *campaign.CreateInput) { in.Template.Name = "" }, "template name is required"},
		{"bad liquid", func(in *campaign.CreateInput) { in.Template.Params = []string{"{{ tier "} }, "param 1"},
		{"short interval", func(in *campaign.CreateInput) { in.Schedule.EverySeconds = 10 }, "schedule:"},
		{"once without at", func(in *campaign.CreateInput) { in.Schedule = domain.Schedule{Kind: domain.ScheduleOnce} }, "schedule:"},
		{"negative cooldown", func(in *campaign.CreateInput) { in.CooldownSeconds = -1 }, "cooldown_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			_, err := svc.Create(context.Background(), in)
			if !errors.Is(err, campaign.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			var ve *campaign.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err is not a *ValidationError: %T", err)
			}
			found := false
			for _, p := range ve.Problems {
				if strings.Contains(p, tc.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("problems %q do not mention %q", ve.Problems, tc.want)
			}
		})
	}
}

func TestCreate_CollectsAllProblems(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Create(context.Background(), campaign.CreateInput{})
	var ve *campaign.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v", err)
	}
	if len(ve.Problems) < 4 {
		t.Errorf("expected every problem reported, got %q", ve.Problems)
	}
}

func TestLifecycle(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c := mustCreate(t, svc)

	active, err := svc.Activate(ctx, c.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if active.Status != domain.CampaignActive || active.NextFireAt == nil || !active.NextFireAt.Equal(t0) {
		t.Fatalf("activate produced %s next=%v", active.Status, active.NextFireAt)
	}

	paused, err := svc.Pause(ctx, c.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != domain.CampaignPaused {
		t.Errorf("status = %s, want paused", paused.Status)
	}
	if paused.NextFireAt == nil {
		t.Error("pause must keep the pending fire")
	}

	resumed, err := svc.Resume(ctx, c.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != domain.CampaignActive || !resumed.NextFireAt.Equal(t0) {
		t.Errorf("resume produced %s next=%v", resumed.Status, resumed.NextFireAt)
	}

	done, err := svc.Complete(ctx, c.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.CampaignCompleted || done.NextFireAt != nil {
		t.Errorf("complete produced %s next=%v", done.Status, done.NextFireAt)
	}
}

func TestActivate_OnceSchedule(t *testing.T) {
	svc, _ := newService()
	at := t0.Add(48 * time.Hour)
	in := validInput()
	in.Schedule = domain.Schedule{Kind: domain.ScheduleOnce, At: &at}
	c, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	active, err := svc.Activate(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !active.NextFireAt.Equal(at) {
		t.Errorf("next fire = %v, want %v", active.NextFireAt, at)
	}
}

func TestResume_ClearsHaltReason(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	c := mustCreate(t, svc)
	if _, err := svc.Activate(ctx, c.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := store.HaltCampaign(ctx, c.ID, "template rejected: 132001", t0); err != nil {
		t.Fatalf("halt: %v", err)
	}

	halted, _ := svc.Get(ctx, c.ID)
	if halted.Status != domain.CampaignPaused || halted.HaltReason == "" {
		t.Fatalf("halt left %s %q", halted.Status, halted.HaltReason)
	}

	resumed, err := svc.Resume(ctx, c.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.HaltReason != "" {
		t.Errorf("halt reason not cleared: %q", resumed.HaltReason)
	}
}

func TestInvalidTransitions(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c := mustCreate(t, svc)

	if _, err := svc.Pause(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("pause draft: err = %v", err)
	}
	if _, err := svc.Resume(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("resume draft: err = %v", err)
	}
	if _, err := svc.Complete(ctx, c.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	for name, op := range map[string]func(context.Context, string) (*domain.Campaign, error){
		"activate":       svc.Activate,
		"pause":          svc.Pause,
		"resume":         svc.Resume,
		"complete":       svc.Complete,
		"reset cooldown": svc.ResetCooldown,
	} {
		if _, err := op(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
			t.Errorf("%s on completed: err = %v", name, err)
		}
	}
}

func TestNotFound(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("get: err = %v", err)
	}
	if _, err := svc.Activate(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("activate: err = %v", err)
	}
	if _, err := svc.Runs(ctx, "missing", 10); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("runs: err = %v", err)
	}
}

func TestResetCooldown(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c := mustCreate(t, svc)
	if _, err := svc.Activate(ctx, c.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	later := t0.Add(3 * time.Hour)
	svc.WithClock(func() time.Time { return later })
	before := c.WindowKey(later)

	reset, err := svc.ResetCooldown(ctx, c.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.CooldownEpoch != 1 || !reset.CooldownAnchor.Equal(later) {
		t.Errorf("epoch/anchor = %d/%v", reset.CooldownEpoch, reset.CooldownAnchor)
	}
	if reset.Status != domain.CampaignActive {
		t.Errorf("reset changed status to %s", reset.Status)
	}
	if after := reset.WindowKey(later); after == before {
		t.Errorf("window key unchanged after reset: %s", after)
	}
}

// conflictRepo loses every compare-and-set, as if another operator won.
type conflictRepo struct{ *memory.Store }

func (conflictRepo) UpdateCampaign(context.Context, *domain.Campaign, campaign.Expect) (bool, error) {
	return false, nil
}

func TestTransition_Conflict(t *testing.T) {
	store := memory.New()
	svc := campaign.NewService(conflictRepo{store}, segmentation.NewEngine(nil, nil), render.NewEngine())
	c, err := svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Activate(context.Background(), c.ID); !errors.Is(err, campaign.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

// racingRepo advances the schedule between the service's read and its
// first write, the way a scheduler run finishing at that moment would.
type racingRepo struct {
	*memory.Store
	raced bool
	next  time.Time
}

func (r *racingRepo) UpdateCampaign(ctx context.Context, c *domain.Campaign, expect campaign.Expect) (bool, error) {
	if !r.raced {
		r.raced = true
		cur, err := r.Store.GetCampaign(ctx, c.ID)
		if err != nil {
			return false, err
		}
		if _, err := r.Store.AdvanceSchedule(ctx, c.ID, *cur.NextFireAt, &r.next, false, *cur.NextFireAt); err != nil {
			return false, err
		}
	}
	return r.Store.UpdateCampaign(ctx, c, expect)
}

func TestResetCooldown_KeepsConcurrentScheduleAdvance(t *testing.T) {
	store := memory.New()
	repo := &racingRepo{Store: store, raced: true}
	svc := campaign.NewService(repo, segmentation.NewEngine(nil, nil), render.NewEngine()).
		WithClock(func() time.Time { return t0 })
	ctx := context.Background()
	c := mustCreate(t, svc)
	active, err := svc.Activate(ctx, c.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	fired := *active.NextFireAt

	repo.raced = false
	repo.next = fired.Add(time.Hour)
	reset, err := svc.ResetCooldown(ctx, c.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.CooldownEpoch != 1 {
		t.Errorf("epoch = %d, want 1", reset.CooldownEpoch)
	}

	got, err := store.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextFireAt == nil || !got.NextFireAt.Equal(repo.next) {
		t.Errorf("next_fire_at = %v, want %v", got.NextFireAt, repo.next)
	}
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(fired) {
		t.Errorf("last_fired_at = %v, want %v", got.LastFiredAt, fired)
	}
	if got.CooldownEpoch != 1 {
		t.Errorf("stored epoch = %d, want 1", got.CooldownEpoch)
	}
}

func TestValidateRule(t *testing.T) {
	svc, _ := newService()

	ok := svc.ValidateRule(`tier IN ("trial", "starter") AND NOT opted_out = true`)
	if !ok.Valid || ok.Rule == nil || ok.Canon == "" {
		t.Errorf("valid rule reported %+v", ok)
	}

	bad := svc.ValidateRule(`usage_count = "lots"`)
	if bad.Valid || len(bad.Problems) == 0 {
		t.Errorf("type mismatch not reported: %+v", bad)
	}
}

func TestList(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	names := []string{"Trial nudge", "Usage limit warning", "Trial ending"}
	for i, n := range names {
		in := validInput()
		in.Name = n
		if i == 1 {
			in.Segment = "paid"
		}
		c, err := svc.Create(ctx, in)
		if err != nil {
			t.Fatalf("create %s: %v", n, err)
		}
		if i == 2 {
			if _, err := svc.Activate(ctx, c.ID); err != nil {
				t.Fatalf("activate: %v", err)
			}
		}
	}

	check := func(f campaign.ListFilter, wantLen, wantTotal int) {
		t.Helper()
		got, total, err := svc.List(ctx, f)
		if err != nil {
			t.Fatalf("list %+v: %v", f, err)
		}
		if len(got) != wantLen || total != wantTotal {
			t.Errorf("list %+v = %d/%d, want %d/%d", f, len(got), total, wantLen, wantTotal)
		}
	}
	check(campaign.ListFilter{}, 3, 3)
	check(campaign.ListFilter{Status: "active"}, 1, 1)
	check(campaign.ListFilter{Status: "draft, active"}, 3, 3)
	check(campaign.ListFilter{Segment: "paid"}, 1, 1)
	check(campaign.ListFilter{Search: "trial"}, 2, 2)
	check(campaign.ListFilter{Limit: 2}, 2, 3)
	check(campaign.ListFilter{Limit: 2, Offset: 2}, 1, 3)
}

func TestRuns(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	c := mustCreate(t, svc)

	for i := 0; i < 3; i++ {
		run := &domain.SchedulerRun{ID: string(rune('a' + i)), CampaignID: c.ID, StartedAt: t0.Add(time.Duration(i) * time.Hour)}
		if err := store.StartRun(ctx, run); err != nil {
			t.Fatalf("start run: %v", err)
		}
	}

	runs, err := svc.Runs(ctx, c.ID, 2)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" {
		t.Errorf("runs = %+v, want newest first", runs)
	}
}
