package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/outreach/internal/config"
	"github.com/zulandar/outreach/internal/db"
	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/sequence"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var now = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	return gdb
}

type contactOpt func(*models.Contact)

func addContact(t *testing.T, gdb *gorm.DB, id string, created time.Time, opts ...contactOpt) {
	t.Helper()
	c := &models.Contact{
		ID:              id,
		AccountID:       "acme",
		FirstName:       id,
		ProfileURL:      "https://social.example/in/" + id,
		Status:          "new",
		OutreachMessage: "note for " + id,
		CreatedAt:       created,
	}
	for _, o := range opts {
		o(c)
	}
	require.NoError(t, gdb.Create(c).Error)
	if c.OutreachMessage == "" {
		require.NoError(t, gdb.Model(c).Update("outreach_message", "").Error)
	}
}

func addSequence(t *testing.T, gdb *gorm.DB, id, status string) {
	t.Helper()
	require.NoError(t, gdb.Create(&models.Sequence{ID: id, AccountID: "acme", Name: id, Status: status, Mode: sequence.ModeSmart}).Error)
}

type enrollOpt func(*models.SequenceEnrollment)

func addEnrollment(t *testing.T, gdb *gorm.DB, id, seqID, contactID string, due time.Time, opts ...enrollOpt) {
	t.Helper()
	e := &models.SequenceEnrollment{
		ID:             id,
		SequenceID:     seqID,
		ContactID:      contactID,
		AccountID:      "acme",
		Status:         enrollment.StatusActive,
		CurrentPhase:   string(enrollment.PhaseApertura),
		PendingAction:  enrollment.ActionMessage,
		PendingMessage: "message for " + contactID,
		NextStepDueAt:  &due,
		Version:        1,
		EnrolledAt:     due.Add(-time.Hour),
	}
	for _, o := range opts {
		o(e)
	}
	require.NoError(t, gdb.Omit(clause.Associations).Create(e).Error)
	require.NoError(t, gdb.Model(&models.Contact{}).Where("id = ?", contactID).Update("active_enrollment_id", id).Error)
}

func baseFilter() Filter {
	return Filter{AccountID: "acme", TargetStatuses: []string{"new", "pending"}, Now: now}
}

func ids(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID()
	}
	return out
}

func TestCandidates_OrderOldestEligibleFirst(t *testing.T) {
	gdb := openTestDB(t)
	addSequence(t, gdb, "s1", sequence.StatusActive)

	addContact(t, gdb, "c-inv-late", now.Add(-30*time.Minute))
	addContact(t, gdb, "c-inv-early", now.Add(-3*time.Hour))
	addContact(t, gdb, "c-e1", now.Add(-48*time.Hour))
	addContact(t, gdb, "c-e2", now.Add(-48*time.Hour))
	addEnrollment(t, gdb, "e1", "s1", "c-e1", now.Add(-2*time.Hour))
	addEnrollment(t, gdb, "e2", "s1", "c-e2", now.Add(-2*time.Hour), func(e *models.SequenceEnrollment) {
		e.EnrolledAt = now.Add(-10 * time.Hour)
	})

	got, err := New(gdb).Candidates(context.Background(), baseFilter())
	require.NoError(t, err)
	assert.Equal(t, []string{"c-inv-early", "e2", "e1", "c-inv-late"}, ids(got))

	assert.Equal(t, KindInvitation, got[0].Kind)
	assert.Equal(t, enrollment.ActionConnectionRequest, got[0].Action)
	assert.Equal(t, "note for c-inv-early", got[0].Message)
	assert.Equal(t, KindEnrollment, got[1].Kind)
	assert.Equal(t, "c-e2", got[1].Contact.ID)
	assert.Equal(t, "message for c-e2", got[1].Message)
}

func TestCandidates_TieBreakByID(t *testing.T) {
	gdb := openTestDB(t)
	created := now.Add(-time.Hour)
	addContact(t, gdb, "b", created)
	addContact(t, gdb, "a", created)
	addContact(t, gdb, "c", created)

	got, err := New(gdb).Candidates(context.Background(), baseFilter())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestCandidates_Exclusions(t *testing.T) {
	gdb := openTestDB(t)
	addSequence(t, gdb, "live", sequence.StatusActive)
	addSequence(t, gdb, "held", sequence.StatusPaused)
	old := now.Add(-72 * time.Hour)

	addContact(t, gdb, "eligible", old)
	addContact(t, gdb, "no-note", old, func(c *models.Contact) { c.OutreachMessage = "" })
	addContact(t, gdb, "no-profile", old, func(c *models.Contact) { c.ProfileURL = "" })
	addContact(t, gdb, "already-invited", old, func(c *models.Contact) { c.Status = "invitation_sent" })

	for _, id := range []string{"c-future", "c-unprepared", "c-paused", "c-seqpaused", "c-parked", "c-waiting"} {
		addContact(t, gdb, id, old)
	}
	addEnrollment(t, gdb, "e-future", "live", "c-future", now.Add(time.Minute))
	addEnrollment(t, gdb, "e-unprepared", "live", "c-unprepared", now.Add(-time.Hour), func(e *models.SequenceEnrollment) {
		e.PendingMessage = ""
	})
	addEnrollment(t, gdb, "e-paused", "live", "c-paused", now.Add(-time.Hour), func(e *models.SequenceEnrollment) {
		e.Status = enrollment.StatusPaused
	})
	addEnrollment(t, gdb, "e-seqpaused", "held", "c-seqpaused", now.Add(-time.Hour))
	addEnrollment(t, gdb, "e-parked", "live", "c-parked", now.Add(-time.Hour), func(e *models.SequenceEnrollment) {
		e.Status = enrollment.StatusParked
		e.CurrentPhase = string(enrollment.PhaseParked)
	})
	addEnrollment(t, gdb, "e-waiting", "live", "c-waiting", now.Add(-time.Hour), func(e *models.SequenceEnrollment) {
		e.PendingAction = ""
	})

	got, err := New(gdb).Candidates(context.Background(), baseFilter())
	require.NoError(t, err)
	assert.Equal(t, []string{"eligible"}, ids(got))
}

func TestCandidates_CampaignAndScoreFilters(t *testing.T) {
	gdb := openTestDB(t)
	camp, other := "camp-1", "camp-2"
	created := now.Add(-time.Hour)
	addContact(t, gdb, "hot", created, func(c *models.Contact) { c.CampaignID = &camp; c.Score = 80 })
	addContact(t, gdb, "cold", created, func(c *models.Contact) { c.CampaignID = &camp; c.Score = 20 })
	addContact(t, gdb, "elsewhere", created, func(c *models.Contact) { c.CampaignID = &other; c.Score = 90 })

	f := baseFilter()
	f.CampaignID = &camp
	got, err := New(gdb).Candidates(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, []string{"cold", "hot"}, ids(got))

	f.MinScore = 50
	got, err = New(gdb).Candidates(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, []string{"hot"}, ids(got))
}

func TestNext(t *testing.T) {
	gdb := openTestDB(t)
	s := New(gdb)

	c, err := s.Next(context.Background(), baseFilter())
	require.NoError(t, err)
	assert.Nil(t, c)

	addContact(t, gdb, "second", now.Add(-time.Hour))
	addContact(t, gdb, "first", now.Add(-2*time.Hour))

	for i := 0; i < 2; i++ {
		c, err = s.Next(context.Background(), baseFilter())
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "first", c.Contact.ID, "call %d", i)
	}
}

func TestUnprepared(t *testing.T) {
	gdb := openTestDB(t)
	addSequence(t, gdb, "s1", sequence.StatusActive)
	addContact(t, gdb, "ready", now.Add(-time.Hour))
	addContact(t, gdb, "blank", now.Add(-time.Hour), func(c *models.Contact) { c.OutreachMessage = "" })
	addContact(t, gdb, "c-e", now.Add(-time.Hour))
	addEnrollment(t, gdb, "e-blank", "s1", "c-e", now.Add(-time.Hour), func(e *models.SequenceEnrollment) {
		e.PendingMessage = ""
	})

	got, err := New(gdb).Unprepared(context.Background(), baseFilter())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"blank", "e-blank"}, ids(got))
}

func TestParseStatuses(t *testing.T) {
	assert.Equal(t, []string{"new", "pending"}, ParseStatuses(" new, pending ,,"))
	assert.Empty(t, ParseStatuses(""))
}

func TestFilterFromSettings(t *testing.T) {
	camp := "camp-1"
	f := FilterFromSettings(&models.AutomationSettings{
		AccountID:        "acme",
		MinLeadScore:     30,
		TargetCampaignID: &camp,
		TargetStatuses:   "new",
	}, now)
	assert.Equal(t, "acme", f.AccountID)
	assert.Equal(t, 30, f.MinScore)
	assert.Equal(t, &camp, f.CampaignID)
	assert.Equal(t, []string{"new"}, f.TargetStatuses)
	assert.True(t, f.Now.Equal(now))
}
