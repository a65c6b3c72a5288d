package web

import (
	"crypto/ecdsa"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dmtrko/chain-rescue/internal/bundle"
	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/schedule"
	"github.com/dmtrko/chain-rescue/internal/session"
	"github.com/dmtrko/chain-rescue/internal/solrescue"
	"github.com/dmtrko/chain-rescue/internal/storage"
)

// RescueController serves the rescue API.
type RescueController struct {
	Sessions *session.Manager
	Bundles  *bundle.Rescuer
	Solana   *solrescue.Rescuer
	Reg      *chain.Registry
	Store    *storage.Store

	RelayURL string
	AuthKey  *ecdsa.PrivateKey
	Log      zerolog.Logger
}

// RegisterRoutes wires the endpoints. Endpoints that sign and broadcast
// transactions take the strict rate limit.
func (ctrl *RescueController) RegisterRoutes(e *echo.Echo, strictRateLimit echo.MiddlewareFunc, logMw echo.MiddlewareFunc) {
	e.GET("/healthz", ctrl.Healthz)

	writes := e.Group("", strictRateLimit, logMw)
	writes.POST("/rescue/start", ctrl.StartSession)
	writes.POST("/rescue/once", ctrl.RescueOnce)
	writes.POST("/rescue/bundle", ctrl.RescueBundle)
	writes.POST("/rescue/solana", ctrl.RescueSolana)

	reads := e.Group("", logMw)
	reads.POST("/rescue/:id/stop", ctrl.StopSession)
	reads.GET("/rescue/:id/status", ctrl.SessionStatus)
	reads.GET("/rescue/:id/results", ctrl.SessionResults)
	reads.POST("/directives", ctrl.SaveDirective)
	reads.GET("/directives/:account", ctrl.ListDirectives)
	reads.DELETE("/directives/:id", ctrl.DeleteDirective)
}

type DirectiveBody struct {
	Contract string `json:"contract" validate:"required"`
	Network  string `json:"network" validate:"required"`
	Tier     string `json:"tier"`
}

type StartSessionRequestBody struct {
	CompromisedKey  string          `json:"compromised_key" validate:"required"`
	RescuerKey      string          `json:"rescuer_key"`
	SponsorKey      string          `json:"sponsor_key"`
	Destination     string          `json:"destination" validate:"required"`
	Networks        []string        `json:"networks" validate:"required,min=1"`
	IntervalSeconds int             `json:"interval_seconds"`
	MaxPasses       int             `json:"max_passes"`
	Directives      []DirectiveBody `json:"directives"`
}

func (ctrl *RescueController) StartSession(c echo.Context) error {
	var body StartSessionRequestBody
	if err := c.Bind(&body); err != nil {
		c.Logger().Errorf("Failed to load start session request body: %v", err)
		return c.JSON(http.StatusBadRequest, BadArgumentsError)
	}
	if err := c.Validate(&body); err != nil {
		return c.JSON(http.StatusBadRequest, BadArgumentsError)
	}

	key, err := parseKey(body.CompromisedKey)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid compromised_key"))
	}
	rescuer, err := parseOptionalKey(body.RescuerKey)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid rescuer_key"))
	}
	sponsor, err := parseOptionalKey(body.SponsorKey)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid sponsor_key"))
	}
	dest, ok := parseAddress(body.Destination)
	if !ok {
		return c.JSON(http.StatusBadRequest, badArguments("invalid destination address"))
	}
	networks, ok := ctrl.parseNetworks(body.Networks)
	if !ok {
		return c.JSON(http.StatusBadRequest, UnsupportedNetworkError)
	}
	directives, ok := ctrl.parseDirectives(body.Directives)
	if !ok {
		return c.JSON(http.StatusBadRequest, badArguments("invalid directive"))
	}

	snap, err := ctrl.Sessions.Start(c.Request().Context(), session.Params{
		Account:        crypto.PubkeyToAddress(key.PublicKey),
		Destination:    dest,
		Networks:       networks,
		Interval:       time.Duration(body.IntervalSeconds) * time.Second,
		Directives:     directives,
		MaxPasses:      body.MaxPasses,
		CompromisedKey: key,
		RescuerKey:     rescuer,
		SponsorKey:     sponsor,
	})
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments(err.Error()))
	}
	return c.JSON(http.StatusOK, snap)
}

func (ctrl *RescueController) StopSession(c echo.Context) error {
	snap, ok := ctrl.Sessions.Stop(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, SessionNotFoundError)
	}
	return c.JSON(http.StatusOK, snap)
}

func (ctrl *RescueController) SessionStatus(c echo.Context) error {
	snap, ok := ctrl.Sessions.Status(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, SessionNotFoundError)
	}
	return c.JSON(http.StatusOK, snap)
}

type RescueOnceRequestBody struct {
	Network        string          `json:"network" validate:"required"`
	CompromisedKey string          `json:"compromised_key" validate:"required"`
	RescuerKey     string          `json:"rescuer_key"`
	SponsorKey     string          `json:"sponsor_key"`
	Destination    string          `json:"destination" validate:"required"`
	Directives     []DirectiveBody `json:"directives"`
}

func (ctrl *RescueController) RescueOnce(c echo.Context) error {
	var body RescueOnceRequestBody
	if err := c.Bind(&body); err != nil {
		c.Logger().Errorf("Failed to load rescue once request body: %v", err)
		return c.JSON(http.StatusBadRequest, BadArgumentsError)
	}
	if err := c.Validate(&body); err != nil {
		return c.JSON(http.StatusBadRequest, BadArgumentsError)
	}

	key, err := parseKey(body.CompromisedKey)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid compromised_key"))
	}
	rescuer, err := parseOptionalKey(body.RescuerKey)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid rescuer_key"))
	}
	sponsor, err := parseOptionalKey(body.SponsorKey)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid sponsor_key"))
	}
	dest, ok := parseAddress(body.Destination)
	if !ok {
		return c.JSON(http.StatusBadRequest, badArguments("invalid destination address"))
	}
	network := chain.Network(strings.ToLower(body.Network))
	if !ctrl.Reg.Valid(network) {
		return c.JSON(http.StatusBadRequest, UnsupportedNetworkError)
	}
	directives, ok := ctrl.parseDirectives(body.Directives)
	if !ok {
		return c.JSON(http.StatusBadRequest, badArguments("invalid directive"))
	}

	res, err := ctrl.Sessions.RescueOnce(c.Request().Context(), session.OnceParams{
		Network:        network,
		Destination:    dest,
		Directives:     directives,
		CompromisedKey: key,
		RescuerKey:     rescuer,
		SponsorKey:     sponsor,
	})
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments(err.Error()))
	}
	return c.JSON(http.StatusOK, res)
}

type RescueBundleRequestBody struct {
	Network        string `json:"network" validate:"required"`
	Token          string `json:"token" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	To             string `json:"to" validate:"required"`
	CompromisedKey string `json:"compromised_key" validate:"required"`
	SponsorKey     string `json:"sponsor_key" validate:"required"`
	Blocks         int    `json:"blocks"`
}

func (ctrl *RescueController) RescueBundle(c echo.Context) error {
	var body RescueBundleRequestBody
	if err := c.Bind(&body); err != nil {
		c.Logger().Errorf("Failed to load rescue bundle request body: %v", err)
		return c.JSON(http.StatusBadRequest, BadArgumentsError)
	}
	if err := c.Validate(&body); err != nil {
		return c.JSON(http.StatusBadRequest, BadArgumentsError)
	}

	key, err := parseKey(body.CompromisedKey)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid compromised_key"))
	}
	sponsor, err := parseKey(body.SponsorKey)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid sponsor_key"))
	}
	token, ok := parseAddress(body.Token)
	if !ok {
		return c.JSON(http.StatusBadRequest, badArguments("invalid token address"))
	}
	to, ok := parseAddress(body.To)
	if !ok {
		return c.JSON(http.StatusBadRequest, badArguments("invalid to address"))
	}
	amount, ok := new(big.Int).SetString(body.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return c.JSON(http.StatusBadRequest, badArguments("invalid amount"))
	}
	network := chain.Network(strings.ToLower(body.Network))
	if !ctrl.Reg.Valid(network) {
		return c.JSON(http.StatusBadRequest, UnsupportedNetworkError)
	}

	res, err := ctrl.Bundles.Run(c.Request().Context(), bundle.Params{
		Network:        network,
		Token:          token,
		Amount:         amount,
		To:             to,
		CompromisedKey: key,
		SponsorKey:     sponsor,
		AuthKey:        ctrl.AuthKey,
		RelayURL:       ctrl.RelayURL,
		Blocks:         body.Blocks,
	})
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments(err.Error()))
	}
	return c.JSON(http.StatusOK, res)
}

type RescueSolanaRequestBody struct {
	CompromisedKey string `json:"compromised_key" validate:"required"`
	Destination    string `json:"destination" validate:"required"`
}

func (ctrl *RescueController) RescueSolana(c echo.Context) error {
	if ctrl.Solana == nil {
		return c.JSON(http.StatusServiceUnavailable, SolanaUnavailableError)
	}
	var body RescueSolanaRequestBody
	if err := c.Bind(&body); err != nil {
		c.Logger().Errorf("Failed to load rescue solana request body: %v", err)
		return c.JSON(http.StatusBadRequest, BadArgumentsError)
	}
	if err := c.Validate(&body); err != nil {
		return c.JSON(http.StatusBadRequest, BadArgumentsError)
	}

	key, err := solana.PrivateKeyFromBase58(body.CompromisedKey)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid compromised_key"))
	}
	dest, err := solana.PublicKeyFromBase58(body.Destination)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid destination"))
	}

	summary, err := ctrl.Solana.Rescue(c.Request().Context(), key, dest)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments(err.Error()))
	}
	return c.JSON(http.StatusOK, summary)
}

// SessionResults lists a session's persisted transfer rows. Sessions without
// a configured database return an empty list.
func (ctrl *RescueController) SessionResults(c echo.Context) error {
	rows, err := ctrl.Store.BySession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []storage.TransferResult{}
	}
	return c.JSON(http.StatusOK, rows)
}

type SaveDirectiveRequestBody struct {
	Account  string `json:"account" validate:"required"`
	Contract string `json:"contract" validate:"required"`
	Network  string `json:"network" validate:"required"`
	Tier     string `json:"tier"`
}

func (ctrl *RescueController) SaveDirective(c echo.Context) error {
	var body SaveDirectiveRequestBody
	if err := c.Bind(&body); err != nil {
		c.Logger().Errorf("Failed to load save directive request body: %v", err)
		return c.JSON(http.StatusBadRequest, BadArgumentsError)
	}
	if err := c.Validate(&body); err != nil {
		return c.JSON(http.StatusBadRequest, BadArgumentsError)
	}

	account, ok := parseAddress(body.Account)
	if !ok {
		return c.JSON(http.StatusBadRequest, badArguments("invalid account address"))
	}
	contract, ok := parseAddress(body.Contract)
	if !ok {
		return c.JSON(http.StatusBadRequest, badArguments("invalid contract address"))
	}
	network := chain.Network(strings.ToLower(body.Network))
	if !ctrl.Reg.Valid(network) {
		return c.JSON(http.StatusBadRequest, UnsupportedNetworkError)
	}
	tier, ok := schedule.ParseTier(body.Tier)
	if !ok {
		return c.JSON(http.StatusBadRequest, badArguments("invalid tier"))
	}

	row := &storage.DirectiveRow{
		Account:  account.Hex(),
		Network:  string(network),
		Contract: contract.Hex(),
		Tier:     string(tier),
	}
	if err := ctrl.Store.SaveDirective(c.Request().Context(), row); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, row)
}

func (ctrl *RescueController) ListDirectives(c echo.Context) error {
	account, ok := parseAddress(c.Param("account"))
	if !ok {
		return c.JSON(http.StatusBadRequest, badArguments("invalid account address"))
	}
	rows, err := ctrl.Store.DirectivesFor(c.Request().Context(), account.Hex())
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []storage.DirectiveRow{}
	}
	return c.JSON(http.StatusOK, rows)
}

func (ctrl *RescueController) DeleteDirective(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, badArguments("invalid directive id"))
	}
	n, err := ctrl.Store.DeleteDirective(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}

func (ctrl *RescueController) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (ctrl *RescueController) parseNetworks(names []string) ([]chain.Network, bool) {
	networks := make([]chain.Network, 0, len(names))
	for _, name := range names {
		n := chain.Network(strings.ToLower(strings.TrimSpace(name)))
		if !ctrl.Reg.Valid(n) {
			return nil, false
		}
		networks = append(networks, n)
	}
	return networks, true
}

func (ctrl *RescueController) parseDirectives(bodies []DirectiveBody) ([]schedule.Directive, bool) {
	directives := make([]schedule.Directive, 0, len(bodies))
	for _, b := range bodies {
		contract, ok := parseAddress(b.Contract)
		if !ok {
			return nil, false
		}
		network := chain.Network(strings.ToLower(b.Network))
		if !ctrl.Reg.Valid(network) {
			return nil, false
		}
		tier, ok := schedule.ParseTier(b.Tier)
		if !ok {
			return nil, false
		}
		directives = append(directives, schedule.Directive{
			Contract: contract,
			Network:  network,
			Tier:     tier,
		})
	}
	return directives, true
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}

func parseOptionalKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(hexKey) == "" {
		return nil, nil
	}
	return parseKey(hexKey)
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}
