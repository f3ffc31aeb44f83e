// Package bus carries the internal message protocol between the
// page-automation context and the background coordinator context over
// NATS request/reply. Every handler that performs async work replies only
// after the work completes, so callers always await a real outcome rather
// than a synchronous empty ack.
package bus

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/batch"
	"github.com/ozmeal/catering-agent/internal/host"
	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/run"
	"github.com/ozmeal/catering-agent/internal/scheduler"
	"github.com/ozmeal/catering-agent/internal/storage"
)

// Protocol subjects.
const (
	SubjectResult         = "catering.result"
	SubjectStatus         = "catering.status"
	SubjectUpdateSchedule = "catering.schedule.update"
	SubjectOpenPage       = "catering.page.open"
	SubjectCloseTab       = "catering.tab.close"
	SubjectBatchRun       = "catering.batch.run"
)

// Ack is the generic success/error reply.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ResultMessage is the RESERVATION_RESULT payload.
type ResultMessage struct {
	Result model.RunResult `json:"result"`
}

// StatusReply answers GET_STATUS.
type StatusReply struct {
	Schedule   *model.Schedule  `json:"schedule"`
	LastResult *model.RunResult `json:"lastResult"`
	Alarm      *host.Alarm      `json:"alarm"`
}

// UpdateScheduleRequest carries UPDATE_SCHEDULE.
type UpdateScheduleRequest struct {
	Schedule model.Schedule `json:"schedule"`
}

// OpenPageRequest carries OPEN_RESERVATION_PAGE[_WITH_DATA]. A nil Data
// falls back to the stored schedule's profile.
type OpenPageRequest struct {
	URL      string                    `json:"url,omitempty"`
	Data     *model.ReservationProfile `json:"data,omitempty"`
	TestMode bool                      `json:"testMode,omitempty"`
}

// OpenPageReply answers OPEN_RESERVATION_PAGE.
type OpenPageReply struct {
	Success bool   `json:"success"`
	TabID   string `json:"tabId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchRunRequest carries BATCH_RUN. Empty Entries falls back to the
// stored schedule's profile when it is armable.
type BatchRunRequest struct {
	Entries []batch.Entry `json:"entries"`
}

// Service hosts the protocol handlers on one NATS connection.
type Service struct {
	logger      *zap.Logger
	nc          *nats.Conn
	state       *storage.State
	coordinator *run.Coordinator
	scheduler   *scheduler.DailyScheduler
	batch       *batch.Executor

	subs []*nats.Subscription
}

// NewService creates the protocol service. executor may be nil, in which
// case BATCH_RUN answers with a configuration error.
func NewService(logger *zap.Logger, nc *nats.Conn, state *storage.State, coordinator *run.Coordinator, sched *scheduler.DailyScheduler, executor *batch.Executor) *Service {
	return &Service{
		logger:      logger.Named("bus"),
		nc:          nc,
		state:       state,
		coordinator: coordinator,
		scheduler:   sched,
		batch:       executor,
	}
}

// Start subscribes every protocol handler. Handlers run off the NATS
// delivery goroutine so a long form-drive cannot stall the connection.
func (s *Service) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, *nats.Msg){
		SubjectResult:         s.handleResult,
		SubjectStatus:         s.handleStatus,
		SubjectUpdateSchedule: s.handleUpdateSchedule,
		SubjectOpenPage:       s.handleOpenPage,
		SubjectCloseTab:       s.handleCloseTab,
		SubjectBatchRun:       s.handleBatchRun,
	}

	for subject, handler := range handlers {
		handler := handler
		sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
			go handler(ctx, msg)
		})
		if err != nil {
			s.Stop()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("Message protocol handlers registered",
		zap.Int("subjects", len(handlers)))
	return nil
}

// Stop drops every subscription.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) handleResult(ctx context.Context, msg *nats.Msg) {
	var message ResultMessage
	if err := json.Unmarshal(msg.Data, &message); err != nil {
		s.logger.Error("Failed to unmarshal reservation result", zap.Error(err))
		s.reply(msg, Ack{Success: false, Error: "malformed result"})
		return
	}

	s.coordinator.RecordExternal(ctx, message.Result)
	s.reply(msg, Ack{Success: true})
}

func (s *Service) handleStatus(ctx context.Context, msg *nats.Msg) {
	reply := StatusReply{}

	if schedule, ok, err := s.state.Schedule(ctx); err == nil && ok {
		reply.Schedule = &schedule
	}
	if last, err := s.state.LastResult(ctx); err == nil {
		reply.LastResult = last
	}
	if alarm, ok := s.scheduler.NextAlarm(); ok {
		reply.Alarm = &alarm
	}

	s.reply(msg, reply)
}

func (s *Service) handleUpdateSchedule(ctx context.Context, msg *nats.Msg) {
	var request UpdateScheduleRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		s.reply(msg, Ack{Success: false, Error: "malformed schedule"})
		return
	}

	if err := s.state.SaveSchedule(ctx, request.Schedule); err != nil {
		s.logger.Error("Failed to save schedule", zap.Error(err))
		s.reply(msg, Ack{Success: false, Error: err.Error()})
		return
	}

	if err := s.scheduler.Arm(request.Schedule); err != nil {
		s.logger.Error("Failed to arm updated schedule", zap.Error(err))
		s.reply(msg, Ack{Success: false, Error: err.Error()})
		return
	}

	s.reply(msg, Ack{Success: true})
}

func (s *Service) handleOpenPage(ctx context.Context, msg *nats.Msg) {
	var request OpenPageRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		s.reply(msg, OpenPageReply{Success: false, Error: "malformed request"})
		return
	}

	source := model.SourceManual
	if request.TestMode {
		source = model.SourceTest
	}

	intent := model.PendingIntent{Source: source, TestMode: request.TestMode}
	if request.Data != nil {
		intent.Profile = *request.Data
	} else {
		schedule, ok, err := s.state.Schedule(ctx)
		if err != nil || !ok || schedule.Profile == nil {
			s.reply(msg, OpenPageReply{Success: false, Error: "no reservation data available"})
			return
		}
		intent.Profile = *schedule.Profile
	}

	handle, err := s.coordinator.OpenForRun(ctx, request.URL, intent)
	if err != nil {
		s.reply(msg, OpenPageReply{Success: false, Error: err.Error()})
		return
	}

	// Reply once the tab exists; the drive itself continues async and
	// reports through the normal result/notification path.
	s.reply(msg, OpenPageReply{Success: true, TabID: handle})

	s.coordinator.ResumeOnTab(ctx, handle, source)
}

func (s *Service) handleBatchRun(ctx context.Context, msg *nats.Msg) {
	if s.batch == nil {
		s.reply(msg, Ack{Success: false, Error: "batch executor not configured"})
		return
	}

	var request BatchRunRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		s.reply(msg, Ack{Success: false, Error: "malformed batch request"})
		return
	}

	entries := request.Entries
	if len(entries) == 0 {
		schedule, ok, err := s.state.Schedule(ctx)
		if err != nil || !ok || !schedule.Armable() {
			s.reply(msg, Ack{Success: false, Error: "no batch entries and no armable schedule"})
			return
		}
		entries = []batch.Entry{{ID: "local", Profile: *schedule.Profile}}
	}

	summary := s.batch.Run(ctx, entries)
	s.reply(msg, summary)
}

func (s *Service) handleCloseTab(ctx context.Context, msg *nats.Msg) {
	if err := s.coordinator.CloseTab(ctx); err != nil {
		s.reply(msg, Ack{Success: false, Error: err.Error()})
		return
	}
	s.reply(msg, Ack{Success: true})
}

func (s *Service) reply(msg *nats.Msg, payload interface{}) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to respond", zap.Error(err))
	}
}
