// Package httpadapter implements spec.md section 6's HTTP surface as Gin
// routes (the teacher's own routing idiom, see internal/api/handler.go's
// gin.Engine setup), plus the supplemented websocket live feed and the
// gossip/RPC endpoints every overlay.Transport and rpcbus.HTTPRpc peer
// call goes through.
package httpadapter

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/plumtuna/plumtuna/internal/coreerr"
	"github.com/plumtuna/plumtuna/internal/corefuture"
	"github.com/plumtuna/plumtuna/internal/distribution"
	"github.com/plumtuna/plumtuna/internal/global"
	"github.com/plumtuna/plumtuna/internal/message"
	"github.com/plumtuna/plumtuna/internal/overlay"
	"github.com/plumtuna/plumtuna/internal/rpcbus"
	"github.com/plumtuna/plumtuna/internal/study"
	"github.com/plumtuna/plumtuna/internal/subscriber"
	"github.com/plumtuna/plumtuna/internal/trial"
)

// Config tunes request-scoped timeouts and default wait_time values for
// the create/join race (spec.md's boundary scenarios S1-S3 use 1s-1.5s
// windows; operators can override per call with ?wait_ms=).
type Config struct {
	CreateWaitTime time.Duration
	JoinWaitTime   time.Duration
	CommandTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CreateWaitTime: time.Second,
		JoinWaitTime:   1500 * time.Millisecond,
		CommandTimeout: 5 * time.Second,
	}
}

// Server bundles every collaborator the HTTP adapter dispatches into.
type Server struct {
	cfg       Config
	global    *global.Handle
	transport *overlay.Transport
	contact   contactGetter
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

// contactGetter is the slice of contact.Service the HTTP adapter needs;
// kept as a narrow interface so httpadapter does not import contact's
// concrete waiter bookkeeping.
type contactGetter interface {
	Get(ctx context.Context) (overlay.NodeID, error)
}

func NewServer(cfg Config, g *global.Handle, transport *overlay.Transport, contact contactGetter, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		global:    g,
		transport: transport,
		contact:   contact,
		logger:    logger.With().Str("component", "httpadapter").Logger(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Router builds the gin.Engine serving every spec.md section 6 route
// plus the supplemented websocket feed and the peer-facing gossip/RPC
// endpoints.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.accessLog())

	r.POST("/studies", s.createStudy)
	r.GET("/study_names/:name", s.getStudyName)
	r.GET("/studies", s.listStudies)
	r.GET("/studies/:id", s.getStudySummary)
	r.PUT("/studies/:id/direction", s.setStudyDirection)
	r.PUT("/studies/:id/user_attrs/:key", s.setStudyUserAttr)
	r.PUT("/studies/:id/system_attrs/:key", s.setStudySystemAttr)
	r.POST("/studies/:id/subscribe", s.subscribe)
	r.GET("/studies/:id/subscribe/:sid", s.pollEvents)
	r.POST("/studies/:id/trials", s.createTrial)
	r.GET("/studies/:id/trials", s.listTrials)
	r.GET("/studies/:id/ws", s.liveFeed)

	r.PUT("/trials/:tid/state", s.setTrialState)
	r.PUT("/trials/:tid/params/:key", s.setTrialParam)
	r.PUT("/trials/:tid/value", s.setTrialValue)
	r.PUT("/trials/:tid/intermediate_values/:step", s.setTrialIntermediateValue)
	r.PUT("/trials/:tid/user_attrs/:key", s.setTrialUserAttr)
	r.PUT("/trials/:tid/system_attrs/:key", s.setTrialSystemAttr)
	r.GET("/trials/:tid", s.getTrial)

	r.GET("/rpc/contact", s.rpcContact)
	r.POST("/rpc/study-cast", s.rpcStudyCast)
	r.POST("/gossip/receive", s.gossipReceive)

	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.CommandTimeout)
}

func writeError(c *gin.Context, err error) {
	c.JSON(coreerr.KindOf(err).HTTPStatus(), gin.H{"reason": err.Error()})
}

func waitDuration(c *gin.Context, fallback time.Duration) time.Duration {
	raw := c.Query("wait_ms")
	if raw == "" {
		return fallback
	}
	if ms, err := time.ParseDuration(raw + "ms"); err == nil {
		return ms
	}
	return fallback
}

// --- study-scoped handlers ---

func (s *Server) createStudy(c *gin.Context) {
	var body struct {
		StudyName string `json:"study_name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.StudyName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "study_name is required"})
		return
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	id, err := s.global.CreateStudy(ctx, body.StudyName, waitDuration(c, s.cfg.CreateWaitTime))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"study_id": id})
}

func (s *Server) getStudyName(c *gin.Context) {
	name := c.Param("name")
	ctx, cancel := s.ctx(c)
	defer cancel()
	id, err := s.global.JoinStudy(ctx, name, waitDuration(c, s.cfg.JoinWaitTime))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"study_name": name, "study_id": id})
}

func (s *Server) listStudies(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()
	list, err := s.global.GetStudies(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) lookupStudy(c *gin.Context, idParam string) (*study.Handle, bool) {
	id, err := uuid.Parse(c.Param(idParam))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"reason": "malformed study id"})
		return nil, false
	}
	h, ok := s.global.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"reason": "unknown study id"})
		return nil, false
	}
	return h, true
}

func (s *Server) getStudySummary(c *gin.Context) {
	h, ok := s.lookupStudy(c, "id")
	if !ok {
		return
	}
	f := corefuture.New[study.Summary]()
	h.Send(&study.GetSummaryCmd{Reply: f})
	ctx, cancel := s.ctx(c)
	defer cancel()
	summary, err := f.Wait(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) setStudyDirection(c *gin.Context) {
	h, ok := s.lookupStudy(c, "id")
	if !ok {
		return
	}
	var body struct {
		Direction string `json:"direction"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	dir, err := message.ParseDirection(body.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	f := corefuture.New[struct{}]()
	h.Send(&study.SetStudyDirectionCmd{Direction: dir, Reply: f})
	s.awaitUnit(c, f)
}

func (s *Server) setStudyUserAttr(c *gin.Context) {
	s.setAttr(c, "id", true)
}

func (s *Server) setStudySystemAttr(c *gin.Context) {
	s.setAttr(c, "id", false)
}

func (s *Server) setAttr(c *gin.Context, idParam string, user bool) {
	h, ok := s.lookupStudy(c, idParam)
	if !ok {
		return
	}
	key, err := decodeKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	f := corefuture.New[struct{}]()
	if user {
		h.Send(&study.SetStudyUserAttrCmd{Key: key, Value: body, Reply: f})
	} else {
		h.Send(&study.SetStudySystemAttrCmd{Key: key, Value: body, Reply: f})
	}
	s.awaitUnit(c, f)
}

func (s *Server) subscribe(c *gin.Context) {
	h, ok := s.lookupStudy(c, "id")
	if !ok {
		return
	}
	f := corefuture.New[subscriber.ID]()
	h.Send(&study.SubscribeCmd{Reply: f})
	ctx, cancel := s.ctx(c)
	defer cancel()
	id, err := f.Wait(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribe_id": id})
}

func (s *Server) pollEvents(c *gin.Context) {
	h, ok := s.lookupStudy(c, "id")
	if !ok {
		return
	}
	sid, err := parseSubID(c.Param("sid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	f := corefuture.New[[]subscriber.Event]()
	h.Send(&study.PollEventsCmd{ID: sid, Reply: f})
	ctx, cancel := s.ctx(c)
	defer cancel()
	events, err := f.Wait(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) createTrial(c *gin.Context) {
	h, ok := s.lookupStudy(c, "id")
	if !ok {
		return
	}
	f := corefuture.New[trial.ID]()
	h.Send(&study.CreateTrialCmd{Reply: f})
	ctx, cancel := s.ctx(c)
	defer cancel()
	id, err := f.Wait(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trial_id": id})
}

func (s *Server) listTrials(c *gin.Context) {
	h, ok := s.lookupStudy(c, "id")
	if !ok {
		return
	}
	var filter *trial.State
	if raw := c.Query("state"); raw != "" {
		st, err := trial.ParseState(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
			return
		}
		filter = &st
	}
	f := corefuture.New[[]trial.Trial]()
	h.Send(&study.GetTrialsCmd{StateFilter: filter, Reply: f})
	ctx, cancel := s.ctx(c)
	defer cancel()
	trials, err := f.Wait(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trials)
}

// --- trial-scoped handlers: resolve the owning study from the trial id
// prefix, per trial.ID's "<studyUuid>.<trialUuid>" scheme. ---

func (s *Server) lookupStudyForTrial(c *gin.Context) (*study.Handle, trial.ID, bool) {
	tid := trial.ID(c.Param("tid"))
	studyID, err := tid.StudyID()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"reason": "malformed trial id"})
		return nil, "", false
	}
	h, ok := s.global.Lookup(studyID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"reason": "unknown study id"})
		return nil, "", false
	}
	return h, tid, true
}

func (s *Server) setTrialState(c *gin.Context) {
	h, tid, ok := s.lookupStudyForTrial(c)
	if !ok {
		return
	}
	var body struct {
		State string `json:"state"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	st, err := trial.ParseState(body.State)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	f := corefuture.New[struct{}]()
	h.Send(&study.SetTrialStateCmd{TrialID: tid, State: st, Reply: f})
	s.awaitUnit(c, f)
}

func (s *Server) setTrialParam(c *gin.Context) {
	h, tid, ok := s.lookupStudyForTrial(c)
	if !ok {
		return
	}
	key, err := decodeKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	var body struct {
		Value        float64                   `json:"value"`
		Distribution distribution.Distribution `json:"distribution"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	if err := body.Distribution.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	f := corefuture.New[struct{}]()
	h.Send(&study.SetTrialParamCmd{
		TrialID: tid, Key: key,
		Param: distribution.ParamValue{Value: body.Value, Distribution: body.Distribution},
		Reply: f,
	})
	s.awaitUnit(c, f)
}

func (s *Server) setTrialValue(c *gin.Context) {
	h, tid, ok := s.lookupStudyForTrial(c)
	if !ok {
		return
	}
	var body float64
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	f := corefuture.New[struct{}]()
	h.Send(&study.SetTrialValueCmd{TrialID: tid, Value: body, Reply: f})
	s.awaitUnit(c, f)
}

func (s *Server) setTrialIntermediateValue(c *gin.Context) {
	h, tid, ok := s.lookupStudyForTrial(c)
	if !ok {
		return
	}
	step, err := parseStep(c.Param("step"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	var body float64
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	f := corefuture.New[struct{}]()
	h.Send(&study.SetTrialIntermediateValueCmd{TrialID: tid, Step: step, Value: body, Reply: f})
	s.awaitUnit(c, f)
}

func (s *Server) setTrialUserAttr(c *gin.Context) {
	s.setTrialAttr(c, true)
}

func (s *Server) setTrialSystemAttr(c *gin.Context) {
	s.setTrialAttr(c, false)
}

func (s *Server) setTrialAttr(c *gin.Context, user bool) {
	h, tid, ok := s.lookupStudyForTrial(c)
	if !ok {
		return
	}
	key, err := decodeKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	f := corefuture.New[struct{}]()
	if user {
		h.Send(&study.SetTrialUserAttrCmd{TrialID: tid, Key: key, Value: body, Reply: f})
	} else {
		h.Send(&study.SetTrialSystemAttrCmd{TrialID: tid, Key: key, Value: body, Reply: f})
	}
	s.awaitUnit(c, f)
}

func (s *Server) getTrial(c *gin.Context) {
	h, tid, ok := s.lookupStudyForTrial(c)
	if !ok {
		return
	}
	f := corefuture.New[trial.Trial]()
	h.Send(&study.GetTrialCmd{ID: tid, Reply: f})
	ctx, cancel := s.ctx(c)
	defer cancel()
	t, err := f.Wait(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) awaitUnit(c *gin.Context, f *corefuture.Future[struct{}]) {
	ctx, cancel := s.ctx(c)
	defer cancel()
	if _, err := f.Wait(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// --- live feed ---

func (s *Server) liveFeed(c *gin.Context) {
	h, ok := s.lookupStudy(c, "id")
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subF := corefuture.New[subscriber.ID]()
	h.Send(&study.SubscribeCmd{Reply: subF})
	sid, err := subF.Wait(c.Request.Context())
	if err != nil {
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			f := corefuture.New[[]subscriber.Event]()
			h.Send(&study.PollEventsCmd{ID: sid, Reply: f})
			ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.CommandTimeout)
			events, err := f.Wait(ctx)
			cancel()
			if err != nil {
				return
			}
			for _, evt := range events {
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			}
		}
	}
}

// --- peer-facing RPC/gossip endpoints ---

func (s *Server) rpcContact(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()
	id, err := s.contact.Get(ctx)
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": string(id)})
}

func (s *Server) rpcStudyCast(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	ref, created, err := rpcbus.DecodeStudyCast(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	s.global.NotifyStudy(ref, created)
	c.Status(http.StatusOK)
}

func (s *Server) gossipReceive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	topic, messageID, origin, payload, err := overlay.DecodeWire(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	if err := s.transport.Dispatch(topic, messageID, origin, payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// --- small parsing helpers ---

func decodeKey(raw string) (string, error) {
	return url.QueryUnescape(raw)
}

func parseSubID(raw string) (subscriber.ID, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	return subscriber.ID(v), err
}

func parseStep(raw string) (int, error) {
	v, err := strconv.Atoi(raw)
	return v, err
}
