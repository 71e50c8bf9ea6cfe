package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Mock Actions API
// ---------------------------------------------------------------------------

type mockActionsAPI struct {
	token    *github.RegistrationToken
	tokenErr error

	// pages holds one runner slice per list page; ListRunners chains them
	// through NextPage. listFn, when set, overrides pagination entirely
	// and is keyed by call count.
	pages     [][]*github.Runner
	listErr   error
	listFn    func(call int) (*github.Runners, *github.Response, error)
	listCalls int

	removeCalls  []int64
	removeStatus int
	removeErr    error
}

func (m *mockActionsAPI) CreateRegistrationToken(_ context.Context, _, _ string) (*github.RegistrationToken, *github.Response, error) {
	if m.tokenErr != nil {
		return nil, nil, m.tokenErr
	}
	return m.token, &github.Response{Response: &http.Response{StatusCode: http.StatusCreated}}, nil
}

func (m *mockActionsAPI) ListRunners(_ context.Context, _, _ string, opts *github.ListOptions) (*github.Runners, *github.Response, error) {
	m.listCalls++
	if m.listFn != nil {
		return m.listFn(m.listCalls)
	}
	if m.listErr != nil {
		return nil, nil, m.listErr
	}

	page := opts.Page
	if page == 0 {
		page = 1
	}
	var runners []*github.Runner
	if page-1 < len(m.pages) {
		runners = m.pages[page-1]
	}
	next := 0
	if page < len(m.pages) {
		next = page + 1
	}
	return &github.Runners{Runners: runners},
		&github.Response{Response: &http.Response{StatusCode: http.StatusOK}, NextPage: next},
		nil
}

func (m *mockActionsAPI) RemoveRunner(_ context.Context, _, _ string, runnerID int64) (*github.Response, error) {
	m.removeCalls = append(m.removeCalls, runnerID)
	if m.removeErr != nil {
		return nil, m.removeErr
	}
	return &github.Response{Response: &http.Response{StatusCode: m.removeStatus}}, nil
}

func ghRunner(id int64, name, status string, labels ...string) *github.Runner {
	r := &github.Runner{
		ID:     github.Int64(id),
		Name:   github.String(name),
		Status: github.String(status),
	}
	for _, l := range labels {
		r.Labels = append(r.Labels, &github.RunnerLabels{Name: github.String(l)})
	}
	return r
}

// ---------------------------------------------------------------------------
// Client suite
// ---------------------------------------------------------------------------

type RunnerClientSuite struct {
	suite.Suite
	ctx    context.Context
	api    *mockActionsAPI
	client *Client
}

func (s *RunnerClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.api = &mockActionsAPI{
		token:        &github.RegistrationToken{Token: github.String("tok123")},
		removeStatus: http.StatusNoContent,
	}
	s.client = newClient(s.api, "octo", "widgets", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunnerClientSuite(t *testing.T) {
	suite.Run(t, new(RunnerClientSuite))
}

func (s *RunnerClientSuite) TestCreateRegistrationToken() {
	token, err := s.client.CreateRegistrationToken(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "tok123", token)
}

func (s *RunnerClientSuite) TestCreateRegistrationToken_APIErrorIsFatal() {
	s.api.tokenErr = errors.New("401 Bad credentials")

	_, err := s.client.CreateRegistrationToken(s.ctx)
	assert.ErrorContains(s.T(), err, "octo/widgets")
	assert.ErrorContains(s.T(), err, "Bad credentials")
}

func (s *RunnerClientSuite) TestFindByLabel_MatchesOnLabelSet() {
	s.api.pages = [][]*github.Runner{{
		ghRunner(1, "other", "online", "self-hosted", "zzzzz"),
		ghRunner(2, "ip-10-0-0-5", "online", "self-hosted", "ab3de"),
	}}

	r := s.client.FindByLabel(s.ctx, "ab3de")
	require.NotNil(s.T(), r)
	assert.Equal(s.T(), int64(2), r.GetID())
}

func (s *RunnerClientSuite) TestFindByLabel_ScansAllPages() {
	s.api.pages = [][]*github.Runner{
		{ghRunner(1, "r1", "online", "aaaaa")},
		{ghRunner(2, "r2", "online", "bbbbb")},
		{ghRunner(3, "r3", "online", "ab3de")},
	}

	r := s.client.FindByLabel(s.ctx, "ab3de")
	require.NotNil(s.T(), r)
	assert.Equal(s.T(), int64(3), r.GetID())
	assert.Equal(s.T(), 3, s.api.listCalls)
}

func (s *RunnerClientSuite) TestFindByLabel_Idempotent() {
	s.api.pages = [][]*github.Runner{{ghRunner(2, "ip-10-0-0-5", "online", "ab3de")}}

	first := s.client.FindByLabel(s.ctx, "ab3de")
	second := s.client.FindByLabel(s.ctx, "ab3de")
	require.NotNil(s.T(), first)
	assert.Equal(s.T(), first, second)
}

func (s *RunnerClientSuite) TestFindByLabel_NotFound() {
	s.api.pages = [][]*github.Runner{{ghRunner(1, "r1", "online", "zzzzz")}}

	assert.Nil(s.T(), s.client.FindByLabel(s.ctx, "ab3de"))
}

func (s *RunnerClientSuite) TestFindByLabel_TransportErrorTreatedAsAbsence() {
	s.api.listErr = errors.New("502 Bad Gateway")

	assert.Nil(s.T(), s.client.FindByLabel(s.ctx, "ab3de"))
}

func (s *RunnerClientSuite) TestRemove_DeletesMatchingRunner() {
	s.api.pages = [][]*github.Runner{{ghRunner(7, "ip-10-0-0-5", "online", "ab3de")}}

	require.NoError(s.T(), s.client.Remove(s.ctx, "ab3de"))
	assert.Equal(s.T(), []int64{7}, s.api.removeCalls)
}

func (s *RunnerClientSuite) TestRemove_AbsentRunnerIsNoOp() {
	require.NoError(s.T(), s.client.Remove(s.ctx, "ab3de"))
	assert.Empty(s.T(), s.api.removeCalls)
}

func (s *RunnerClientSuite) TestRemove_LookupErrorIsNoOp() {
	s.api.listErr = errors.New("connection refused")

	require.NoError(s.T(), s.client.Remove(s.ctx, "ab3de"))
	assert.Empty(s.T(), s.api.removeCalls)
}

func (s *RunnerClientSuite) TestRemove_APIError() {
	s.api.pages = [][]*github.Runner{{ghRunner(7, "r", "online", "ab3de")}}
	s.api.removeErr = errors.New("500 Internal Server Error")

	assert.ErrorContains(s.T(), s.client.Remove(s.ctx, "ab3de"), "500")
}

func (s *RunnerClientSuite) TestRemove_RequiresNoContentStatus() {
	s.api.pages = [][]*github.Runner{{ghRunner(7, "r", "online", "ab3de")}}
	s.api.removeStatus = http.StatusOK

	err := s.client.Remove(s.ctx, "ab3de")
	assert.ErrorContains(s.T(), err, "unexpected status 200")
}

// ---------------------------------------------------------------------------
// Registration waiter
// ---------------------------------------------------------------------------

type RegistrationWaiterSuite struct {
	suite.Suite
	ctx    context.Context
	api    *mockActionsAPI
	client *Client
}

func (s *RegistrationWaiterSuite) SetupTest() {
	s.ctx = context.Background()
	s.api = &mockActionsAPI{}
	s.client = newClient(s.api, "octo", "widgets", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *RegistrationWaiterSuite) newWaiter(cfg WaitConfig) *RegistrationWaiter {
	return NewRegistrationWaiter(s.client, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistrationWaiterSuite(t *testing.T) {
	suite.Run(t, new(RegistrationWaiterSuite))
}

func fastWaitConfig() WaitConfig {
	return WaitConfig{
		QuietPeriod:   time.Millisecond,
		RetryInterval: time.Millisecond,
		Timeout:       5 * time.Millisecond,
	}
}

func (s *RegistrationWaiterSuite) TestWait_RegisteredOnThirdPoll() {
	online := ghRunner(7, "ip-10-0-0-5", "online", "ab3de")
	s.api.listFn = func(call int) (*github.Runners, *github.Response, error) {
		resp := &github.Response{Response: &http.Response{StatusCode: http.StatusOK}}
		if call < 3 {
			return &github.Runners{}, resp, nil
		}
		return &github.Runners{Runners: []*github.Runner{online}}, resp, nil
	}
	w := s.newWaiter(fastWaitConfig())

	require.NoError(s.T(), w.Wait(s.ctx, "ab3de"))
	assert.Equal(s.T(), 3, s.api.listCalls)
	assert.Equal(s.T(), StateRegistered, w.State())
}

func (s *RegistrationWaiterSuite) TestWait_OfflineRunnerDoesNotCount() {
	s.api.pages = [][]*github.Runner{{ghRunner(7, "r", "offline", "ab3de")}}
	w := s.newWaiter(fastWaitConfig())

	err := w.Wait(s.ctx, "ab3de")
	var timeout *TimeoutError
	require.ErrorAs(s.T(), err, &timeout)
	assert.Equal(s.T(), StateTimedOut, w.State())
}

func (s *RegistrationWaiterSuite) TestWait_TimesOutAfterBudgetedAttempts() {
	w := s.newWaiter(fastWaitConfig())

	err := w.Wait(s.ctx, "ab3de")
	var timeout *TimeoutError
	require.ErrorAs(s.T(), err, &timeout)
	assert.Equal(s.T(), "ab3de", timeout.Label)
	assert.Equal(s.T(), 5, timeout.Attempts)
	assert.Equal(s.T(), 5, s.api.listCalls)
	assert.Contains(s.T(), err.Error(), "ab3de")
	assert.Contains(s.T(), err.Error(), "5ms")
}

func (s *RegistrationWaiterSuite) TestWait_AttemptsRoundUp() {
	w := s.newWaiter(WaitConfig{
		QuietPeriod:   time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		Timeout:       25 * time.Millisecond,
	})

	err := w.Wait(s.ctx, "ab3de")
	var timeout *TimeoutError
	require.ErrorAs(s.T(), err, &timeout)
	assert.Equal(s.T(), 3, timeout.Attempts)
}

func (s *RegistrationWaiterSuite) TestWait_CanceledDuringQuietPeriod() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	w := s.newWaiter(WaitConfig{QuietPeriod: time.Minute})

	err := w.Wait(ctx, "ab3de")
	assert.ErrorIs(s.T(), err, context.Canceled)
	assert.Zero(s.T(), s.api.listCalls)
}

func (s *RegistrationWaiterSuite) TestWait_LookupErrorsDoNotAbort() {
	s.api.listErr = errors.New("503 Service Unavailable")
	w := s.newWaiter(fastWaitConfig())

	err := w.Wait(s.ctx, "ab3de")
	var timeout *TimeoutError
	require.ErrorAs(s.T(), err, &timeout)
	assert.Equal(s.T(), 5, s.api.listCalls)
}

func TestWaitConfig_Defaults(t *testing.T) {
	var cfg WaitConfig
	cfg.applyDefaults()

	assert.Equal(t, 30*time.Second, cfg.QuietPeriod)
	assert.Equal(t, 10*time.Second, cfg.RetryInterval)
	assert.Equal(t, 5*time.Minute, cfg.Timeout)
}
