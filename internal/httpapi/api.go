// Package httpapi is the local control API: status, early-alert settings,
// snooze/close/join, credentials, ringtones and the display WebSocket.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"meetbell/internal/alerting"
	"meetbell/internal/meeting"
	"meetbell/internal/ringtone"
	"meetbell/pkg/logx"
)

// Alerts is the alerting surface the API drives.
type Alerts interface {
	Status(now time.Time) alerting.Status
	EarlySettings() alerting.EarlySettings
	SetEarlySettings(ctx context.Context, es alerting.EarlySettings) error
	SnoozeMeeting(ctx context.Context, id string, minutes int) (time.Time, error)
	SnoozedUntil(id string) (time.Time, bool)
	CloseNotification(ctx context.Context, id string) bool
	JoinMeeting(ctx context.Context, id string) (string, error)
	TriggerTestNotification(ctx context.Context, kind meeting.Kind) (meeting.Meeting, error)
}

// Credentials stores the calendar access token.
type Credentials interface {
	Set(ctx context.Context, token string, lifetime time.Duration) error
	Clear(ctx context.Context) error
}

type Ringtones interface {
	List(ctx context.Context) ([]ringtone.Ringtone, error)
	Add(ctx context.Context, name string, r io.Reader) (ringtone.Ringtone, error)
	Select(ctx context.Context, idOrPath string) (ringtone.Ringtone, error)
	Selected(ctx context.Context) string
}

// Response is the envelope of every JSON reply.
type Response struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Deps struct {
	Alerts      Alerts
	Credentials Credentials // optional
	Ringtones   Ringtones   // optional
	Hub         http.Handler
	Now         func() time.Time
	Log         logx.Logger
}

type API struct {
	alerts    Alerts
	creds     Credentials
	ringtones Ringtones
	hub       http.Handler
	now       func() time.Time
	log       logx.Logger
}

func New(d Deps) *API {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &API{
		alerts:    d.Alerts,
		creds:     d.Credentials,
		ringtones: d.Ringtones,
		hub:       d.Hub,
		now:       d.Now,
		log:       d.Log.With(logx.String("comp", "httpapi")),
	}
}

// Router builds the route table. A non-empty token guards every route except
// /healthz.
func (a *API) Router(token string) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(bearer(token))
	api.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/settings/early", a.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings/early", a.handlePutSettings).Methods(http.MethodPut)
	api.HandleFunc("/meetings/{id}/snooze", a.handleSnooze).Methods(http.MethodPost)
	api.HandleFunc("/meetings/{id}/snooze", a.handleGetSnooze).Methods(http.MethodGet)
	api.HandleFunc("/meetings/{id}/close", a.handleClose).Methods(http.MethodPost)
	api.HandleFunc("/meetings/{id}/join", a.handleJoin).Methods(http.MethodPost)
	api.HandleFunc("/test-notification", a.handleTest).Methods(http.MethodPost)
	if a.creds != nil {
		api.HandleFunc("/auth", a.handleSetAuth).Methods(http.MethodPost)
		api.HandleFunc("/auth", a.handleClearAuth).Methods(http.MethodDelete)
	}
	if a.ringtones != nil {
		api.HandleFunc("/ringtones", a.handleListRingtones).Methods(http.MethodGet)
		api.HandleFunc("/ringtones", a.handleUploadRingtone).Methods(http.MethodPost)
		api.HandleFunc("/ringtones/selected", a.handleSelectRingtone).Methods(http.MethodPut)
	}
	if a.hub != nil {
		api.Handle("/ws", a.hub).Methods(http.MethodGet)
	}
	return r
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.ok(w, "", a.alerts.Status(a.now()))
}

func (a *API) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	a.ok(w, "", a.alerts.EarlySettings())
}

// handlePutSettings applies a partial update over the current settings.
func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	es := a.alerts.EarlySettings()
	if err := decode(r, &es); err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := a.alerts.SetEarlySettings(r.Context(), es); err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}
	a.ok(w, "settings saved", es)
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

type snoozeReply struct {
	Snoozed bool      `json:"snoozed"`
	Until   time.Time `json:"until,omitzero"`
}

func (a *API) handleSnooze(w http.ResponseWriter, r *http.Request) {
	var req snoozeRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	until, err := a.alerts.SnoozeMeeting(r.Context(), mux.Vars(r)["id"], req.Minutes)
	if err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	a.ok(w, "snoozed", snoozeReply{Snoozed: true, Until: until})
}

func (a *API) handleGetSnooze(w http.ResponseWriter, r *http.Request) {
	until, ok := a.alerts.SnoozedUntil(mux.Vars(r)["id"])
	a.ok(w, "", snoozeReply{Snoozed: ok, Until: until})
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	closed := a.alerts.CloseNotification(r.Context(), mux.Vars(r)["id"])
	a.ok(w, "", map[string]bool{"closed": closed})
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	link, err := a.alerts.JoinMeeting(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	a.ok(w, "", map[string]string{"link": link})
}

type testRequest struct {
	Kind string `json:"kind"`
}

func (a *API) handleTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	kind := meeting.KindMain
	if req.Kind != "" {
		k, err := meeting.ParseKind(req.Kind)
		if err != nil {
			a.fail(w, http.StatusBadRequest, err)
			return
		}
		kind = k
	}
	m, err := a.alerts.TriggerTestNotification(r.Context(), kind)
	if err != nil {
		a.fail(w, http.StatusBadGateway, err)
		return
	}
	a.ok(w, "test notification shown", map[string]string{"meeting_id": m.ID, "kind": string(kind)})
}

type authRequest struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (a *API) handleSetAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		a.fail(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}
	lifetime := time.Duration(req.ExpiresIn) * time.Second
	if err := a.creds.Set(r.Context(), req.Token, lifetime); err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}
	a.ok(w, "token stored", nil)
}

func (a *API) handleClearAuth(w http.ResponseWriter, r *http.Request) {
	if err := a.creds.Clear(r.Context()); err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}
	a.ok(w, "token cleared", nil)
}

type ringtoneList struct {
	Selected  string              `json:"selected"`
	Ringtones []ringtone.Ringtone `json:"ringtones"`
}

func (a *API) handleListRingtones(w http.ResponseWriter, r *http.Request) {
	all, err := a.ringtones.List(r.Context())
	if err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}
	a.ok(w, "", ringtoneList{Selected: a.ringtones.Selected(r.Context()), Ringtones: all})
}

func (a *API) handleUploadRingtone(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, ringtone.MaxSize+64<<10)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			a.fail(w, http.StatusRequestEntityTooLarge, ringtone.ErrTooLarge)
			return
		}
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	defer f.Close()
	rt, err := a.ringtones.Add(r.Context(), hdr.Filename, f)
	if err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	a.ok(w, "ringtone added", rt)
}

type selectRequest struct {
	ID string `json:"id"`
}

func (a *API) handleSelectRingtone(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	rt, err := a.ringtones.Select(r.Context(), req.ID)
	if err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	a.ok(w, "ringtone selected", rt)
}

func (a *API) ok(w http.ResponseWriter, msg string, data any) {
	resp := Response{OK: true, Message: msg}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			a.fail(w, http.StatusInternalServerError, err)
			return
		}
		resp.Data = b
	}
	a.write(w, http.StatusOK, resp)
}

func (a *API) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		a.log.Warn("request failed", logx.Int("status", code), logx.Err(err))
	}
	a.write(w, code, Response{Message: err.Error()})
}

func (a *API) write(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.log.Debug("response write failed", logx.Err(err))
	}
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, alerting.ErrUnknownMeeting), errors.Is(err, ringtone.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerting.ErrInvalidSnooze), errors.Is(err, ringtone.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, ringtone.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// bearer accepts "Authorization: Bearer <token>" or a token query parameter;
// browsers cannot set headers on WebSocket upgrades.
func bearer(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
