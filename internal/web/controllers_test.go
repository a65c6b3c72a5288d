package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/schedule"
	"github.com/dmtrko/chain-rescue/internal/session"
)

func newTestController() *RescueController {
	reg := chain.NewRegistry(nil)
	return &RescueController{
		Sessions: session.NewManager(reg, nil, nil, nil, nil, zerolog.Nop()),
		Reg:      reg,
		Log:      zerolog.Nop(),
	}
}

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = &CustomValidator{Validator: validator.New()}
	return e
}

func doJSON(e *echo.Echo, method, path, body string, h echo.HandlerFunc, params ...string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for i := 0; i+1 < len(params); i += 2 {
		c.SetParamNames(params[i])
		c.SetParamValues(params[i+1])
	}
	return rec, h(c)
}

func TestHealthz(t *testing.T) {
	ctrl := newTestController()
	rec, err := doJSON(newTestEcho(), http.MethodGet, "/healthz", "", ctrl.Healthz)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestStartSessionRejectsMissingKey(t *testing.T) {
	ctrl := newTestController()
	body := `{"destination":"0x00000000000000000000000000000000000000aa","networks":["bsc"]}`
	rec, err := doJSON(newTestEcho(), http.MethodPost, "/rescue/start", body, ctrl.StartSession)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartSessionRejectsUnknownNetwork(t *testing.T) {
	ctrl := newTestController()
	body := `{
		"compromised_key": "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d",
		"destination": "0x00000000000000000000000000000000000000aa",
		"networks": ["dogechain"]
	}`
	rec, err := doJSON(newTestEcho(), http.MethodPost, "/rescue/start", body, ctrl.StartSession)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported network")
}

func TestSessionStatusUnknownID(t *testing.T) {
	ctrl := newTestController()
	rec, err := doJSON(newTestEcho(), http.MethodGet, "/rescue/nope/status", "", ctrl.SessionStatus, "id", "nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopSessionUnknownID(t *testing.T) {
	ctrl := newTestController()
	rec, err := doJSON(newTestEcho(), http.MethodPost, "/rescue/nope/stop", "", ctrl.StopSession, "id", "nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRescueSolanaWithoutClient(t *testing.T) {
	ctrl := newTestController()
	body := `{"compromised_key":"x","destination":"y"}`
	rec, err := doJSON(newTestEcho(), http.MethodPost, "/rescue/solana", body, ctrl.RescueSolana)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseDirectives(t *testing.T) {
	ctrl := newTestController()

	got, ok := ctrl.parseDirectives([]DirectiveBody{
		{Contract: "0x00000000000000000000000000000000000000bb", Network: "bsc", Tier: "max"},
		{Contract: "0x00000000000000000000000000000000000000cc", Network: "ethereum"},
	})
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, schedule.TierMaximum, got[0].Tier)
	assert.Equal(t, schedule.TierNormal, got[1].Tier)

	_, ok = ctrl.parseDirectives([]DirectiveBody{{Contract: "not-an-address", Network: "bsc"}})
	assert.False(t, ok)

	_, ok = ctrl.parseDirectives([]DirectiveBody{
		{Contract: "0x00000000000000000000000000000000000000bb", Network: "bsc", Tier: "urgent"},
	})
	assert.False(t, ok)
}

func TestParseKeyTrimsPrefix(t *testing.T) {
	k1, err := parseKey("0x4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d")
	require.NoError(t, err)
	k2, err := parseKey("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d")
	require.NoError(t, err)
	assert.Equal(t, k1.D, k2.D)

	opt, err := parseOptionalKey("")
	require.NoError(t, err)
	assert.Nil(t, opt)
}
