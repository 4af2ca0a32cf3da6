package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"eg4-monitor/internal/collector"
	"eg4-monitor/internal/features"
	"eg4-monitor/internal/identity"
	"eg4-monitor/internal/inverter"
	"eg4-monitor/internal/modbus"
	"eg4-monitor/internal/scanner"
	"eg4-monitor/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Collector is what the API reads from the running collector.
type Collector interface {
	Statuses() []collector.DeviceStatus
	Capabilities() []features.CapabilityRecord
	Capability(serial string) (features.CapabilityRecord, bool)
	Refresh(ctx context.Context, serial string) (features.CapabilityRecord, error)
	IsCollecting() bool
}

type History interface {
	GetHistory(serial string, limit int) ([]storage.DetectionEvent, error)
}

// Scanner searches a list of hosts for EG4 devices.
type Scanner interface {
	Scan(ctx context.Context, hosts []netip.Addr) ([]scanner.Result, error)
}

// Identifier runs a one-off identification against an arbitrary device.
type Identifier func(ctx context.Context, req IdentifyRequest) (features.CapabilityRecord, error)

type Server struct {
	router    *gin.Engine
	server    *http.Server
	collector Collector
	history   History
	identify  Identifier
	scanner   Scanner
	port      int
	logger    *zap.Logger
}

type ServerConfig struct {
	Port      int
	Collector Collector
	History   History
	// Identifier defaults to ModbusIdentifier.
	Identifier Identifier
	// Scanner defaults to a scanner with default ports and timeouts.
	Scanner Scanner
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware(zap.L()))

	identify := cfg.Identifier
	if identify == nil {
		identify = ModbusIdentifier
	}
	scan := cfg.Scanner
	if scan == nil {
		scan = scanner.New(scanner.Config{})
	}

	s := &Server{
		router:    router,
		collector: cfg.Collector,
		history:   cfg.History,
		identify:  identify,
		scanner:   scan,
		port:      cfg.Port,
		logger:    zap.L(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	api := s.router.Group("/api/v1")
	{
		api.GET("/devices", s.devicesHandler)
		api.GET("/devices/:serial/capabilities", s.capabilitiesHandler)
		api.GET("/devices/:serial/capabilities/:feature", s.featureHandler)
		api.POST("/devices/:serial/capabilities/refresh", s.refreshHandler)
		api.GET("/devices/:serial/history", s.historyHandler)
		api.GET("/decode", s.decodeHandler)
		api.GET("/families", s.familiesHandler)
		api.POST("/identify", s.identifyHandler)
		api.GET("/scan", s.scanHandler)
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	s.logger.Info("API server starting", zap.Int("port", s.port))
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	statuses := s.collector.Statuses()
	online := lo.CountBy(statuses, func(st collector.DeviceStatus) bool { return st.Online })

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"devices":        len(statuses),
		"devices_online": online,
		"collecting":     s.collector.IsCollecting(),
		"timestamp":      time.Now(),
	})
}

func (s *Server) devicesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"devices":      s.collector.Statuses(),
		"capabilities": s.collector.Capabilities(),
	})
}

func (s *Server) capabilitiesHandler(c *gin.Context) {
	rec, ok := s.collector.Capability(c.Param("serial"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No capability record for device"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) featureHandler(c *gin.Context) {
	rec, ok := s.collector.Capability(c.Param("serial"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No capability record for device"})
		return
	}

	flag, ok := lo.Find(rec.Features.Flags(), func(f features.FeatureFlag) bool {
		return f.Feature.String() == c.Param("feature")
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown feature"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"serial":    rec.Serial,
		"feature":   flag.Feature,
		"supported": flag.Supported,
		"gated":     flag.Gated,
		"complete":  rec.Complete,
	})
}

func (s *Server) refreshHandler(c *gin.Context) {
	rec, err := s.collector.Refresh(c.Request.Context(), c.Param("serial"))
	switch {
	case errors.Is(err, collector.ErrUnknownDevice):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) historyHandler(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "History is not available"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 50
	}

	events, err := s.history.GetHistory(c.Param("serial"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

// ParseRegister accepts decimal or 0x-prefixed hex.
func ParseRegister(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func (s *Server) decodeHandler(c *gin.Context) {
	low, err := ParseRegister(c.Query("low"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'low' register value"})
		return
	}
	high, err := ParseRegister(c.Query("high"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'high' register value"})
		return
	}

	var deviceType *int64
	if raw := c.Query("device_type"); raw != "" {
		code, err := ParseDeviceType(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'device_type' value"})
			return
		}
		deviceType = &code
	}

	c.JSON(http.StatusOK, Decode(low, high, deviceType))
}

// ParseDeviceType accepts any decimal or 0x-prefixed integer. Codes that do
// not fit a register classify as unknown instead of being rejected.
func ParseDeviceType(s string) (int64, error) {
	return strconv.ParseInt(s, 0, 64)
}

// Decode decodes a HOLD_MODEL pair. With a device type code it also resolves
// the family, rated power and family default features.
func Decode(low, high uint16, deviceType *int64) DecodeResponse {
	resp := DecodeResponse{Model: identity.Decode(low, high)}
	if deviceType == nil {
		return resp
	}

	code := *deviceType
	family := identity.ClassifyCode(code)
	resp.DeviceTypeCode = &code
	resp.Family = &family
	resp.DisplayName = family.DisplayName()
	if kw, ok := identity.ResolveKW(family, resp.Model.PowerRatingCode()); ok {
		resp.RatedPowerKW = &kw
	}
	fs := features.DefaultFeatures(family)
	resp.DefaultFeatures = &fs
	return resp
}

// DecodeResponse is the body of GET /api/v1/decode.
type DecodeResponse struct {
	Model           identity.ModelInfo   `json:"model"`
	DeviceTypeCode  *int64               `json:"device_type_code,omitempty"`
	Family          *identity.Family     `json:"family,omitempty"`
	DisplayName     string               `json:"display_name,omitempty"`
	RatedPowerKW    *float64             `json:"rated_power_kw,omitempty"`
	DefaultFeatures *features.FeatureSet `json:"default_features,omitempty"`
}

func (s *Server) familiesHandler(c *gin.Context) {
	type family struct {
		DeviceTypeCode uint16          `json:"device_type_code"`
		Family         identity.Family `json:"family"`
		DisplayName    string          `json:"display_name"`
		Controller     bool            `json:"controller"`
	}
	c.JSON(http.StatusOK, lo.Map(identity.KnownDeviceTypeCodes(), func(code uint16, _ int) family {
		f := identity.Classify(code)
		return family{
			DeviceTypeCode: code,
			Family:         f,
			DisplayName:    f.DisplayName(),
			Controller:     identity.IsController(code),
		}
	}))
}

// IdentifyRequest describes a device to identify without adding it to the
// collector.
type IdentifyRequest struct {
	IP             string `json:"ip" binding:"required"`
	Port           int    `json:"port" binding:"required"`
	UnitID         uint8  `json:"unit_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (s *Server) identifyHandler(c *gin.Context) {
	var req IdentifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "success": false})
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 5
	}

	rec, err := s.identify(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"error":   fmt.Sprintf("Identification failed: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"capabilities": rec,
	})
}

// ModbusIdentifier connects to the device in req, reads its identity and runs
// a detection pass that is not cached anywhere.
func ModbusIdentifier(ctx context.Context, req IdentifyRequest) (features.CapabilityRecord, error) {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	client := modbus.NewClient(req.IP, req.Port, req.UnitID, timeout)
	defer client.Close()

	eg4 := inverter.NewEG4(client, nil)
	id, err := eg4.ReadIdentity(ctx)
	if err != nil {
		return features.CapabilityRecord{}, err
	}

	engine := features.NewEngine(features.WithProbeTimeout(4 * timeout))
	return engine.Detect(ctx, id.Request(eg4, true))
}

func (s *Server) scanHandler(c *gin.Context) {
	hosts, err := scanner.ParseRange(c.Query("range"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "success": false})
		return
	}

	results, err := s.scanner.Scan(c.Request.Context(), hosts)
	if err != nil {
		s.logger.Warn("scan interrupted", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "success": false})
		return
	}
	if results == nil {
		results = []scanner.Result{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"total_hosts": len(hosts),
		"verified":    lo.CountBy(results, scanner.Result.Verified),
		"results":     results,
	})
}
