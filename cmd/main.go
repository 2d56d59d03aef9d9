package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	handlers "git.ri.se/eu-cop-pilot/arrowhead-intercloud/api"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/authz"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/database"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/gatekeeper"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/gateway"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/orchestration"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/registry"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/internal/relay"
	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	var quiet = flag.Bool("quiet", false, "Disable all logging output")
	var verbose = flag.Bool("verbose", false, "Enable verbose logging")
	var disableTLS = flag.Bool("disable-tls", false, "Disable TLS even if enabled in configuration")
	flag.Parse()

	configPath := os.Getenv("ARROWHEAD_CONFIG")

	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	if *quiet {
		cfg.Logging.Level = "panic"
	} else if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *disableTLS {
		cfg.Server.TLS.Enabled = false
	}

	logger := setupLogger(cfg.Logging)
	if !*quiet {
		logger.Info("Starting Arrowhead inter-cloud orchestration core")
	}

	ownCloud := pkg.Cloud{
		Operator: cfg.Cloud.Operator,
		Name:     cfg.Cloud.Name,
		Secure:   cfg.Cloud.Secure,
		OwnCloud: true,
	}

	var connectionString string
	if cfg.Database.Type == "postgres" || cfg.Database.Type == "postgresql" {
		connectionString = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Username, cfg.Database.Password, cfg.Database.Name)
	} else {
		connectionString = cfg.Database.Path
		if connectionString == "" {
			connectionString = "./arrowhead-intercloud.db"
		}
	}

	db, err := database.NewStorage(cfg.Database.Type, connectionString)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	if err := ensureOwnCloud(db, &ownCloud); err != nil {
		logger.WithError(err).Fatal("Failed to register own cloud identity")
	}

	clientTLS, err := buildClientTLS(cfg.Server.TLS)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build TLS client configuration")
	}

	registryClient := registry.NewClient(cfg.Registry.BaseURL, cfg.Registry.Timeout,
		cfg.Registry.PingTimeout, clientTLS, logger)

	tokenService := authz.NewTokenService(ownCloud.Key(), []byte(cfg.Token.JWTSecret), cfg.TokenTTL(), logger)
	if err := setupTokenKeys(tokenService, cfg.Token); err != nil {
		logger.WithError(err).Warn("Failed to setup token keys, using JWT secret only")
	}

	decisionPoint := authz.NewHTTPDecisionPoint(cfg.AuthSystem.BaseURL, cfg.AuthSystem.Timeout, clientTLS, logger)
	gate := authz.NewGate(decisionPoint, tokenService, logger)

	var qosMonitor *orchestration.Monitor
	var engineQoS orchestration.QoSMonitor
	if cfg.QoS.Enabled {
		qosMonitor = orchestration.NewMonitor(30*time.Minute, logger)
		defer qosMonitor.Shutdown()
		engineQoS = qosMonitor
	}

	engine := orchestration.NewEngine(db, registryClient, gate, engineQoS,
		cfg.QoS.Enabled, cfg.QoS.NotMeasuredPolicy, logger)

	listenCtx, stopListening := context.WithCancel(context.Background())
	defer stopListening()

	var relayManager *relay.Manager
	if cfg.Gatekeeper.Enabled || cfg.Gateway.Enabled {
		clientID := fmt.Sprintf("%s-intercloud", ownCloud.Key())
		factory := func(r pkg.Relay) relay.RelayClient {
			return relay.NewMQTTClient(r, clientID, clientTLS, logger)
		}
		relayManager = relay.NewManager(ownCloud, factory, relay.Options{
			WorkerCount:   cfg.Gatekeeper.RelayWorkerCount,
			CheckInterval: cfg.Gatekeeper.RelayCheckInterval,
			MaxRetries:    cfg.Gatekeeper.RelayMaxRetries,
			RetryDelay:    cfg.Gatekeeper.RelayRetryDelay,
		}, logger)
		defer relayManager.Shutdown()
	}

	var gk *gatekeeper.Gatekeeper
	var gkClient orchestration.GatekeeperClient
	if cfg.Gatekeeper.Enabled {
		gk = gatekeeper.New(ownCloud, db, relayManager, registryClient, gate, engine,
			cfg.Gatekeeper.GSDTimeout, cfg.Gatekeeper.ICNTimeout,
			cfg.Gateway.Enabled, cfg.Gateway.Mandatory, logger)
		if err := gk.Listen(listenCtx); err != nil {
			logger.WithError(err).Error("Gatekeeper failed to start listening; inbound negotiation disabled")
		}
		gkClient = gk
	}

	coordinator := orchestration.NewCoordinator(ownCloud, engine, gkClient, db,
		cfg.Gateway.Enabled, cfg.Gateway.Mandatory, logger)

	var gatewayManager *gateway.Manager
	if cfg.Gateway.Enabled {
		gatewayKey, err := loadGatewayKey(cfg.Token.PrivateKeyFile, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to set up gateway key pair")
		}
		ports := gateway.NewPortPool(cfg.Gateway.MinPort, cfg.Gateway.MaxPort)
		gatewayManager = gateway.NewManager(ownCloud, ports, relayManager, gatewayKey,
			cfg.Gateway.SocketTimeout, cfg.Gateway.HandshakeTimeout, logger)
		defer gatewayManager.Shutdown()
	}

	router := setupRouter(cfg, coordinator, gk, gatewayManager, qosMonitor, db, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Enabled {
		caCertPool, err := loadTrustStore(cfg.Server.TLS.TruststoreFile)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load truststore, mTLS cannot be enforced.")
		}

		server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caCertPool,
		}

		logger.WithFields(logrus.Fields{
			"host": cfg.Server.Host,
			"port": cfg.Server.Port,
			"tls":  true,
		}).Info("Starting HTTPS server")

		go func() {
			if err := server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Failed to start HTTPS server")
			}
		}()
	} else {
		logger.WithFields(logrus.Fields{
			"host": cfg.Server.Host,
			"port": cfg.Server.Port,
			"tls":  false,
		}).Info("Starting HTTP server")

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Failed to start HTTP server")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func setupLogger(cfg internal.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			logger.WithError(err).Warn("Failed to open log file, using stdout")
		} else {
			logger.SetOutput(file)
		}
	}

	return logger
}

// ensureOwnCloud persists this cloud's identity so relay assignments can
// reference it.
func ensureOwnCloud(db database.Database, ownCloud *pkg.Cloud) error {
	existing, err := db.GetCloudByIdentity(ownCloud.Operator, ownCloud.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		ownCloud.ID = existing.ID
		return nil
	}
	return db.CreateCloud(ownCloud)
}

// setupTokenKeys installs the RS256 key pair for access token signing.
func setupTokenKeys(tokens *authz.TokenService, cfg internal.TokenConfig) error {
	var privateKeyPEM, publicKeyPEM []byte
	var err error

	if cfg.PrivateKeyFile != "" {
		privateKeyPEM, err = os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("failed to read private key file: %w", err)
		}
	}

	if cfg.PublicKeyFile != "" {
		publicKeyPEM, err = os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("failed to read public key file: %w", err)
		}
	}

	return tokens.SetKeys(privateKeyPEM, publicKeyPEM)
}

// loadGatewayKey reads the RSA key peers wrap tunnel session keys for,
// generating an ephemeral one when no key file is configured.
func loadGatewayKey(privateKeyFile string, logger *logrus.Logger) (*rsa.PrivateKey, error) {
	if privateKeyFile != "" {
		pemBytes, err := os.ReadFile(privateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read gateway key file: %w", err)
		}
		key, err := parsePrivateKey(pemBytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	logger.Warn("No gateway key file configured, generating an ephemeral key pair")
	return rsa.GenerateKey(rand.Reader, 2048)
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// Initializes the Gin router with all routes and middleware.
func setupRouter(
	cfg *internal.Config,
	coordinator *orchestration.Coordinator,
	gk *gatekeeper.Gatekeeper,
	gatewayManager *gateway.Manager,
	qosMonitor *orchestration.Monitor,
	db database.Database,
	logger *logrus.Logger,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithWriter(logger.Writer()))

	corsConfig := cors.Config{
		AllowOrigins: cfg.Server.CORS.AllowOrigins,
		AllowMethods: cfg.Server.CORS.AllowMethods,
		AllowHeaders: cfg.Server.CORS.AllowHeaders,
		MaxAge:       12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	h := handlers.New(coordinator, gk, gatewayManager, qosMonitor, db, logger)

	router.GET("/health", h.HealthCheck)
	router.GET("/echo", h.Echo)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ownCloud := pkg.Cloud{Operator: cfg.Cloud.Operator, Name: cfg.Cloud.Name}

	orchestrator := router.Group("/orchestrator")
	{
		if cfg.Server.TLS.Enabled {
			orchestrator.POST("/orchestration", h.CertificateMiddleware(ownCloud), h.Orchestrate)
		} else {
			orchestrator.POST("/orchestration", h.Orchestrate)
		}
	}

	gatekeeperGroup := router.Group("/gatekeeper")
	{
		if cfg.Server.TLS.Enabled {
			gatekeeperGroup.Use(h.CertificateMiddleware(ownCloud))
		}
		gatekeeperGroup.POST("/init_gsd", h.InitGSD)
		gatekeeperGroup.POST("/init_icn", h.InitICN)
	}

	gatewayGroup := router.Group("/gateway")
	{
		gatewayGroup.GET("/publickey", h.GetGatewayPublicKey)
		gatewayGroup.POST("/connect_consumer", h.ConnectConsumer)
		gatewayGroup.POST("/connect_provider", h.ConnectProvider)
		gatewayGroup.GET("/sessions", h.ListGatewaySessions)
		gatewayGroup.DELETE("/sessions/:id", h.CloseGatewaySession)
	}

	qosGroup := router.Group("/qos")
	{
		qosGroup.POST("/measurements", h.RecordMeasurement)
	}

	mgmt := router.Group("/mgmt")
	{
		store := mgmt.Group("/store")
		{
			store.POST("", h.CreateStoreEntry)
			store.GET("", h.ListStoreEntries)
			store.DELETE("/:id", h.DeleteStoreEntry)
		}

		clouds := mgmt.Group("/clouds")
		{
			clouds.POST("", h.CreateCloud)
			clouds.GET("", h.ListClouds)
			clouds.DELETE("/:id", h.DeleteCloud)
			clouds.POST("/:id/relays", h.AssignRelay)
			clouds.GET("/:id/relays", h.ListCloudRelays)
		}

		relays := mgmt.Group("/relays")
		{
			relays.POST("", h.CreateRelay)
			relays.GET("", h.ListRelays)
			relays.GET("/:id", h.GetRelay)
			relays.DELETE("/:id", h.DeleteRelay)
		}
	}

	return router
}

// loadTrustStore loads CA certificates from a PEM file for mTLS verification
func loadTrustStore(truststoreFile string) (*x509.CertPool, error) {
	if truststoreFile == "" {
		return nil, fmt.Errorf("truststore file not specified")
	}

	caCert, err := os.ReadFile(truststoreFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read truststore file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from truststore")
	}

	return caCertPool, nil
}

// buildClientTLS assembles the client certificate configuration used for
// outbound calls to the registry, the authorization system and secure
// relays. Returns nil when TLS is disabled.
func buildClientTLS(cfg internal.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCertPool, err := loadTrustStore(cfg.TruststoreFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
		RootCAs:      caCertPool,
	}, nil
}
