package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"dq-validation-service/service/clock"
	"dq-validation-service/service/models"
	"dq-validation-service/testutil"
)

type recordingResumer struct {
	mu   sync.Mutex
	runs []string
}

func (r *recordingResumer) Resume(ctx context.Context, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, runID)
}

func (r *recordingResumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type BrokerTestSuite struct {
	suite.Suite
	tdb       *testutil.TestDB
	clock     *clock.Manual
	publisher *testutil.RecordingPublisher
	resumer   *recordingResumer
	broker    *Broker
	ctx       context.Context
}

func (s *BrokerTestSuite) SetupTest() {
	s.tdb = testutil.NewTestDB()
	s.clock = clock.NewManual(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	s.publisher = &testutil.RecordingPublisher{}
	s.resumer = &recordingResumer{}
	s.broker = NewBroker(s.tdb.DB, s.publisher, "dq-approval-requests", s.clock, nil)
	s.broker.SetResumer(s.resumer)
	s.ctx = context.Background()
}

func (s *BrokerTestSuite) TearDownTest() {
	s.tdb.Close()
}

func (s *BrokerTestSuite) submit(runID string) *models.ApprovalRequest {
	req, err := s.broker.Submit(s.ctx, SubmitRequest{
		RunID:      runID,
		DatasetRef: "customers",
		Rules:      models.RuleSpecList{{ID: "r1", Type: "completeness"}},
		DeadlineAt: s.clock.Now().Add(24 * time.Hour),
	})
	s.Require().NoError(err)
	return req
}

func (s *BrokerTestSuite) TestSubmitIsIdempotentPerRun() {
	first := s.submit("run-1")
	second := s.submit("run-1")

	s.Equal(first.CorrelationToken, second.CorrelationToken)
	s.Equal(models.DecisionNone, second.Decision)
	s.Equal(1, s.publisher.Count(), "通知只发送一次")

	notice, ok := s.publisher.Messages[0].Payload.(ApprovalNotice)
	s.Require().True(ok)
	s.Equal(first.CorrelationToken, notice.CorrelationToken)
}

func (s *BrokerTestSuite) TestSubmitNotifyFailureIsTransientAndRetried() {
	s.publisher.SetErr(errors.New("pubsub down"))
	_, err := s.broker.Submit(s.ctx, SubmitRequest{RunID: "run-2", DatasetRef: "customers", DeadlineAt: s.clock.Now().Add(time.Hour)})
	s.Require().Error(err)
	s.True(IsTransient(err))

	s.publisher.SetErr(nil)
	req := s.submit("run-2")
	s.NotNil(req.NotifiedAt)
	s.Equal(1, s.publisher.Count())

	var count int64
	s.tdb.DB.Model(&models.ApprovalRequest{}).Where("run_id = ?", "run-2").Count(&count)
	s.Equal(int64(1), count)
}

func (s *BrokerTestSuite) TestResolveTwiceIsNoop() {
	req := s.submit("run-3")

	first, err := s.broker.Resolve(s.ctx, req.CorrelationToken, models.DecisionApproved, "alice", "ok")
	s.Require().NoError(err)
	s.True(first.Applied)
	s.False(first.Late)

	s.clock.Advance(time.Minute)
	second, err := s.broker.Resolve(s.ctx, req.CorrelationToken, models.DecisionApproved, "bob", "again")
	s.Require().NoError(err)
	s.False(second.Applied)

	stored, err := s.broker.Get(s.ctx, req.CorrelationToken)
	s.Require().NoError(err)
	s.Equal(models.DecisionApproved, stored.Decision)
	s.Equal("alice", stored.Reviewer)
	s.Equal(first.Request.DecidedAt.Unix(), stored.DecidedAt.Unix())
	s.Equal(1, s.resumer.count(), "只恢复一次工作流")
}

func (s *BrokerTestSuite) TestResolveConflictingDecisionsFirstWins() {
	req := s.submit("run-4")

	_, err := s.broker.Resolve(s.ctx, req.CorrelationToken, models.DecisionRejected, "alice", "")
	s.Require().NoError(err)
	res, err := s.broker.Resolve(s.ctx, req.CorrelationToken, models.DecisionApproved, "bob", "")
	s.Require().NoError(err)

	s.False(res.Applied)
	s.Equal(models.DecisionRejected, res.Request.Decision)
}

func (s *BrokerTestSuite) TestResolveConcurrent() {
	req := s.submit("run-5")

	var wg sync.WaitGroup
	applied := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.broker.Resolve(s.ctx, req.CorrelationToken, models.DecisionApproved, "reviewer", "")
			if err == nil {
				applied <- res.Applied
			}
		}()
	}
	wg.Wait()
	close(applied)

	wins := 0
	total := 0
	for a := range applied {
		total++
		if a {
			wins++
		}
	}
	s.Equal(8, total)
	s.Equal(1, wins)
	s.Equal(1, s.resumer.count())
}

func (s *BrokerTestSuite) TestResolveAfterDeadlineIsLate() {
	req := s.submit("run-6")
	s.clock.Advance(24 * time.Hour)

	res, err := s.broker.Resolve(s.ctx, req.CorrelationToken, models.DecisionApproved, "alice", "")
	s.Require().NoError(err)
	s.True(res.Applied)
	s.True(res.Late)
}

func (s *BrokerTestSuite) TestResolveValidation() {
	_, err := s.broker.Resolve(s.ctx, "whatever", "maybe", "", "")
	s.ErrorIs(err, ErrInvalidDecision)

	_, err = s.broker.Resolve(s.ctx, "missing-token", models.DecisionApproved, "", "")
	s.ErrorIs(err, ErrTokenNotFound)
}

func (s *BrokerTestSuite) TestListByDecision() {
	a := s.submit("run-7")
	s.submit("run-8")
	_, err := s.broker.Resolve(s.ctx, a.CorrelationToken, models.DecisionApproved, "", "")
	s.Require().NoError(err)

	pending, total, err := s.broker.List(s.ctx, models.DecisionNone, 1, 10)
	s.Require().NoError(err)
	s.Equal(int64(1), total)
	s.Equal("run-8", pending[0].RunID)
}

func TestBrokerTestSuite(t *testing.T) {
	suite.Run(t, new(BrokerTestSuite))
}

func TestClassify(t *testing.T) {
	assert.True(t, IsTransient(classify("x", context.DeadlineExceeded)))
	err := classify("x", errors.New("syntax error"))
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
