// Command velidesyncd is the composition root: it loads configuration,
// constructs every component (C1-C9), wires their event callbacks through
// internal/orchestrator, and runs until SIGINT/SIGTERM.
//
// Grounded on app/recorder/main.go's shape: gin router exposing /metrics and
// /health, signal.NotifyContext-driven run loop, and a timed graceful
// shutdown of the HTTP server once every background loop has wound down
// (waiting at most 20s for them after a signal).
package main

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"velidesync/internal/authtoken"
	"velidesync/internal/clock"
	"velidesync/internal/cloudclient"
	"velidesync/internal/config"
	"velidesync/internal/connector"
	"velidesync/internal/connector/filewatch"
	"velidesync/internal/connector/sqlconnector"
	"velidesync/internal/dispatcher"
	"velidesync/internal/drivermap"
	"velidesync/internal/logging"
	"velidesync/internal/metrics"
	"velidesync/internal/model"
	"velidesync/internal/orchestrator"
	"velidesync/internal/pushchannel"
	"velidesync/internal/reconciler"
	"velidesync/internal/tracking"
)

func main() {
	cfg := config.GetInstance()
	logging.Configure(cfg.Log.Environment, cfg.Log.Level, cfg.Log.LogRootDir, cfg.Log.EnableStacktrace)
	defer logging.Sync()

	logging.Infof("velidesyncd starting, PID=%d", os.Getpid())
	metrics.MustRegisterAll()

	db, err := gorm.Open(sqlite.Open(cfg.SQLite.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"), &gorm.Config{})
	if err != nil {
		logging.Fatalf("failed to open sqlite at %s: %v", cfg.SQLite.Path, err)
	}

	store := tracking.New(db, clock.Real{})
	drivers := drivermap.New(db)

	orc := orchestrator.New()

	authProvider := authtoken.New(refreshFuncFor(cfg.Auth), orc.OnLoggedOut)
	seedPersistedTokens(authProvider, cfg.Auth.TokenStorePath)

	timeout := time.Duration(cfg.Cloud.TimeoutSeconds * float64(time.Second))
	client := cloudclient.New(cfg.Cloud.Server, cfg.Cloud.IntegrationName, cfg.Cloud.UseNeighbourhood, timeout, authProvider.GetValidToken)

	policy := dispatcher.DefaultRetryPolicy()
	policy.BaseDelay = time.Duration(cfg.Cloud.RetryBaseMs) * time.Millisecond
	policy.MaxAttempts = cfg.Cloud.RetryMaxAttempts
	policy.ReconcileEnabled = cfg.Reconciliation.RetryReconciliationEnabled
	policy.ReconcileDelay = time.Duration(cfg.Reconciliation.RetryReconciliationDelaySeconds * float64(time.Second))
	policy.ReconcileMax = cfg.Reconciliation.RetryReconciliationMaxAttempts
	policy.ReconcileWindow = cfg.Reconciliation.RetryReconciliationTimeWindowSecs

	disp := dispatcher.New(client, policy, dispatcher.Events{
		DeliverySuccess: orc.OnDeliverySuccess,
		DeletionSuccess: orc.OnDeletionSuccess,
		TaskFailed:      orc.OnTaskFailed,
	})

	syncInterval := time.Duration(cfg.Reconciliation.SyncIntervalMs) * time.Millisecond
	cooldown := time.Duration(cfg.Reconciliation.CooldownSeconds * float64(time.Second))
	rec := reconciler.New(client, store, reconciler.Events{
		DeliveryMissing:  orc.OnDeliveryMissing,
		DeliveryInRoute:  orc.OnDeliveryInRoute,
		StatusCorrected:  orc.OnStatusCorrected,
	}, clock.Real{}, syncInterval, cooldown)

	push := pushchannel.New(cfg.Cloud.WebsocketServer, authProvider.GetValidToken, orc.OnPushAction, orc.OnPushState)

	redisClient := newRedisClientIfEnabled(cfg.Redis)

	conn, err := buildConnector(cfg, store, orc, redisClient)
	if err != nil {
		logging.Fatalf("failed to build connector for erp.target=%q: %v", cfg.ERP.Target, err)
	}

	orc.Attach(orchestrator.Deps{
		LockPath:      cfg.LockFile,
		Store:         store,
		Drivers:       drivers,
		GetValidToken: authProvider.GetValidToken,
		Connector:     conn,
		Client:        client,
		Dispatcher:    disp,
		Reconciler:    rec,
		Push:          push,
		RequireDriverMapping: makeDriverMappingPrompt(drivers),
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{Addr: cfg.Metrics.HTTPAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("HTTP server exited: %v", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- orc.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logging.Infof("shutdown signal received")
		select {
		case <-runErr:
		case <-time.After(20 * time.Second):
			logging.Warnf("orchestrator did not wind down within 20s, shutting down anyway")
		}
	case err := <-runErr:
		if err != nil {
			logging.Errorf("orchestrator exited with error: %v", err)
		}
		stop()
	}

	authProvider.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("shutdown http server: %v", err)
	}

	logging.Infof("velidesyncd stopped")
}

// buildConnector selects the Connector implementation named by
// cfg.ERP.Target. "Farmax"/"CDS" both speak to a Firebird ERP through
// sqlconnector; "filewatch" is the degenerate file-drop source.
//
// No Firebird driver is vendored into this module (none exists anywhere in
// the reference corpus this implementation draws from); a deployment
// targeting a real Firebird instance must blank-import a database/sql
// driver registered under the name below, e.g.
// `_ "github.com/nakagami/firebirdsql"`, built as a separate entry point
// or build-tagged file so this package stays buildable without it.
const firebirdDriverName = "firebirdsql"

func buildConnector(cfg *config.Config, store *tracking.Store, orc *orchestrator.Orchestrator, redisClient *redis.Client) (connector.Connector, error) {
	events := connector.Events{
		OrdersReceived: orc.OnOrdersReceived,
		OrderCancelled: orc.OnOrderCancelled,
		ErrorOccurred:  orc.OnConnectorError,
	}

	switch cfg.ERP.Target {
	case "Farmax", "CDS":
		dsn := fmt.Sprintf("%s:%s@%s/%s", cfg.ERP.User, cfg.ERP.Password, cfg.ERP.Host, cfg.ERP.File)
		erpDB, err := sql.Open(firebirdDriverName, dsn)
		if err != nil {
			return nil, fmt.Errorf("open firebird connection: %w", err)
		}
		sqlCfg := sqlconnector.Config{
			CursorPath:          "./resources/cursor_state.json",
			IngestPollInterval:  time.Duration(cfg.ERP.IngestPollIntervalMs) * time.Millisecond,
			StatusPollInterval:  time.Duration(cfg.ERP.StatusPollIntervalMs) * time.Millisecond,
			StatusBatchSize:     cfg.ERP.StatusBatchSize,
			DetailRetryAttempts: cfg.ERP.DetailRetryAttempts,
			DetailRetryBase:     time.Duration(cfg.ERP.DetailRetryBaseMs) * time.Millisecond,
			RedisClient:         redisClient,
			RedisKeyPrefix:      cfg.Redis.KeyPrefix,
			RedisLeaseTTL:       time.Duration(cfg.Redis.LeaseTTLSeconds) * time.Second,
		}
		return sqlconnector.New(erpDB, store, sqlCfg, events), nil
	case "filewatch":
		return filewatch.New(filewatch.Config{FolderToWatch: cfg.ERP.WatchPath}, events), nil
	default:
		return nil, fmt.Errorf("unknown erp.target %q", cfg.ERP.Target)
	}
}

// newRedisClientIfEnabled builds a shared Redis client for sqlconnector's
// optional distributed cursor store when cfg.Redis.Enabled is set, supporting
// both a plain address and a sentinel-fronted deployment.
func newRedisClientIfEnabled(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	if cfg.UseSentinel {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// refreshFuncFor returns an authtoken.RefreshFunc performing the OAuth2
// refresh-token grant against cfg.Domain over plain net/http, the same
// hand-rolled-stdlib idiom used by cloudclient for the cloud's own GraphQL
// endpoint (no OAuth client library appears anywhere in the reference
// corpus, so this follows the same justified exception).
func refreshFuncFor(cfg config.AuthConfig) authtoken.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, error) {
		body, _ := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     cfg.ClientID,
			"refresh_token": refreshToken,
			"scope":         cfg.Scope,
			"audience":      cfg.Audience,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Domain+"/oauth/token", bytes.NewReader(body))
		if err != nil {
			return "", "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return "", "", fmt.Errorf("token refresh failed with status %d", resp.StatusCode)
		}

		var out struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", "", err
		}
		if out.RefreshToken == "" {
			out.RefreshToken = refreshToken
		}
		return out.AccessToken, out.RefreshToken, nil
	}
}

// seedPersistedTokens loads a previously saved (access, refresh) pair from
// disk so the provider has something to serve before its first proactive
// refresh. Absence is not fatal: the daemon waits in
// orchestrator.Run.waitForValidToken until an operator seeds one, since the
// initial login/device-flow exchange is out of this implementation's scope.
// The file holds base64-encoded JSON; a file of plain JSON is read as is.
func seedPersistedTokens(p *authtoken.Provider, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Warnf("authtoken: no persisted token store at %s (%v), waiting for one to appear", path, err)
		return
	}
	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data))); err == nil {
		data = decoded
	}
	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(data, &tokens); err != nil {
		logging.Warnf("authtoken: failed to parse token store at %s: %v", path, err)
		return
	}
	p.SetTokens(tokens.AccessToken, tokens.RefreshToken)
}

// makeDriverMappingPrompt is the headless substitute for this original
// implementation's PyQt5 pairing dialog: it lists every unmapped local
// driver and its best proposal, then blocks for an operator to type
// "<local-id>=<remote-id>" pairs (or a blank line to accept every proposal
// as shown), persisting confirmed pairs via drivers. Nothing is committed
// automatically — an operator who answers blank with no proposals present
// simply leaves those drivers unmapped, which re-prompts on the next start.
func makeDriverMappingPrompt(drivers *drivermap.Store) orchestrator.DriverMappingPrompt {
	return func(ctx context.Context, locals []model.LocalDriver, remoteNames map[string]string, proposals []drivermap.ProposedPairing) error {
		fmt.Println("Unmapped local drivers detected; confirm pairings below.")
		byLocal := make(map[string]drivermap.ProposedPairing, len(proposals))
		for _, p := range proposals {
			byLocal[p.Local.LocalID] = p
		}
		for _, l := range locals {
			if p, ok := byLocal[l.LocalID]; ok {
				fmt.Printf("  %s (%s) -> proposed: %s (%s), score=%.2f\n", l.LocalID, l.Name, p.RemoteID, p.RemoteName, p.Score)
			} else {
				fmt.Printf("  %s (%s) -> no proposal\n", l.LocalID, l.Name)
			}
		}
		fmt.Print("Enter \"local=remote\" pairs one per line, blank line to accept proposals shown, \"skip\" to leave unmapped: ")

		scanner := bufio.NewScanner(os.Stdin)
		confirmed := make(map[string]string)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				for localID, p := range byLocal {
					confirmed[localID] = p.RemoteID
				}
				break
			}
			if line == "skip" {
				break
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				fmt.Println("expected local=remote, try again")
				continue
			}
			confirmed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}

		if len(confirmed) == 0 {
			logging.Warnf("driver mapping: no pairings confirmed, some drivers remain unmapped")
			return nil
		}
		return drivers.AddMany(ctx, confirmed)
	}
}
