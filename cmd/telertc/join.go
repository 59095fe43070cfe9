package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"telehealth/rtc/internal/api"
	"telehealth/rtc/internal/config"
	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/logging"
	"telehealth/rtc/internal/participants"
	"telehealth/rtc/internal/room"
	"telehealth/rtc/internal/signal"
	"telehealth/rtc/internal/stream"
	"telehealth/rtc/internal/webrtc"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// failGrace is how long Failed must persist before it counts as terminal;
// a failed dial is followed by Reconnecting while attempts remain.
const failGrace = 500 * time.Millisecond

var (
	flagConfig   string
	flagAPIURL   string
	flagToken    string
	flagConsult  string
	flagName     string
	flagGroup    string
	flagVideo    string
	flagAudio    string
	flagRecord   string
	flagMetrics  string
	flagLogLevel string
	flagNoRetry  bool
	flagAttempts int
	flagPublish  bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a consultation video room",
	Long: `Join a consultation video room and stay until interrupted.

Examples:
  telertc join --consultation c-42
  telertc join --consultation c-42 --publish --video clip.ivf --audio voice.ogg
  telertc join --consultation c-42 --record ./recordings --metrics-addr :9100`,
	RunE: runJoin,
}

func init() {
	f := joinCmd.Flags()
	f.StringVarP(&flagConfig, "config", "c", "", "YAML config file (default ./"+config.DefaultFile+" if present)")
	f.StringVar(&flagAPIURL, "api-url", "", "consultation API base url")
	f.StringVar(&flagToken, "token", "", "bearer token")
	f.StringVar(&flagConsult, "consultation", "", "consultation id")
	f.StringVarP(&flagName, "name", "n", "", "display name in the room")
	f.StringVar(&flagGroup, "group", "", "notification group to join")
	f.BoolVarP(&flagPublish, "publish", "p", false, "publish local media")
	f.StringVar(&flagVideo, "video", "", "VP8 IVF file to publish")
	f.StringVar(&flagAudio, "audio", "", "Opus Ogg file to publish")
	f.StringVar(&flagRecord, "record", "", "directory to record received tracks into")
	f.StringVar(&flagMetrics, "metrics-addr", "", "serve prometheus metrics on this address")
	f.StringVar(&flagLogLevel, "log-level", "", "log level")
	f.BoolVar(&flagNoRetry, "no-reconnect", false, "do not reconnect the signaling connection")
	f.IntVar(&flagAttempts, "reconnect-attempts", 0, "reconnect attempts before giving up")

	rootCmd.AddCommand(joinCmd)
}

func overridesFromFlags(cmd *cobra.Command) config.Overrides {
	var ov config.Overrides
	changed := cmd.Flags().Changed
	str := func(name string, v *string) *string {
		if changed(name) {
			return v
		}
		return nil
	}

	ov.APIBaseURL = str("api-url", &flagAPIURL)
	ov.Token = str("token", &flagToken)
	ov.ConsultationID = str("consultation", &flagConsult)
	ov.DisplayName = str("name", &flagName)
	ov.Group = str("group", &flagGroup)
	ov.VideoFile = str("video", &flagVideo)
	ov.AudioFile = str("audio", &flagAudio)
	ov.RecordDir = str("record", &flagRecord)
	ov.MetricsAddr = str("metrics-addr", &flagMetrics)
	ov.LogLevel = str("log-level", &flagLogLevel)
	if changed("no-reconnect") {
		reconnect := !flagNoRetry
		ov.Reconnect = &reconnect
	}
	if changed("reconnect-attempts") {
		ov.ReconnectAttempts = &flagAttempts
	}
	return ov
}

func runJoin(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig, overridesFromFlags(cmd))
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel)
	log := slog.Default().With("component", "main")

	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer ossignal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("shutting down", "signal", sig.String())
			cancel(nil)
		case <-ctx.Done():
		}
	}()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, log)
	}

	// Step 1: join credentials
	creds, err := api.NewClient(cfg.APIBaseURL).FetchCredentials(ctx, cfg.Token, cfg.ConsultationID)
	if err != nil {
		return fmt.Errorf("fetch credentials: %w", err)
	}
	signalURL, err := buildSignalURL(creds)
	if err != nil {
		return err
	}

	// Step 2: peer factory, optionally recording every received track
	var factoryOpts []webrtc.FactoryOption
	var recorder *webrtc.Recorder
	if cfg.RecordDir != "" {
		recorder, err = webrtc.NewRecorder(cfg.RecordDir, nil)
		if err != nil {
			return err
		}
		factoryOpts = append(factoryOpts, webrtc.WithTrackSink(recorder))
	}
	factory, err := webrtc.NewFactory(creds.ICEServers, factoryOpts...)
	if err != nil {
		return fmt.Errorf("create peer factory: %w", err)
	}

	// Step 3: signaling and room
	transport := signal.NewTransport()
	defer transport.Close()
	router := signal.NewRouter(transport, nil)
	reg := participants.New()
	defer reg.Close()

	source := &webrtc.FileSource{VideoPath: cfg.VideoFile, AudioPath: cfg.AudioFile}
	orch := room.New(transport, router, factory, source, reg,
		room.WithConfig(room.Config{
			ICEDisconnectTimeout: cfg.ICEDisconnectTimeout,
			ResubscribeDelay:     cfg.ResubscribeDelay,
			MaxRecoveryAttempts:  cfg.MaxRecoveryAttempts,
		}),
		room.WithStateSource(transport),
	)

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(ctx) }()

	go watchStates(transport, cancel, log)
	go watchFaults(orch.Errors(), log)
	go printParticipants(os.Stdout, reg.Changes())

	transport.Connect(signal.Config{
		URL:               signalURL,
		Reconnect:         cfg.Reconnect,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectInterval: cfg.ReconnectInterval,
		PingInterval:      cfg.PingInterval,
	})

	// Step 4: announce; messages queue until the socket is open
	if cfg.Group != "" {
		if err := orch.JoinGroup(cfg.Group); err != nil {
			return err
		}
	}
	if err := orch.JoinRoom(cfg.DisplayName); err != nil {
		return err
	}
	if err := orch.RequestParticipants(); err != nil {
		return err
	}

	if flagPublish {
		video, audio := cfg.VideoFile != "", cfg.AudioFile != ""
		if !video && !audio {
			video, audio = true, true
		}
		if err := orch.StartPublishing(ctx, video, audio); err != nil {
			log.Warn("publishing unavailable, continuing receive-only", "error", err)
		}
	}

	<-ctx.Done()
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("room loop ended", "error", err)
	}
	if cfg.Group != "" {
		transport.Send(signal.NewLeaveGroup(cfg.Group))
	}
	transport.Disconnect()
	if recorder != nil {
		recorder.Wait()
	}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	log.Info("done")
	return nil
}

// buildSignalURL appends the room and room token to the signaling url.
func buildSignalURL(creds *domain.Credentials) (string, error) {
	u, err := url.Parse(creds.URL)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported signaling url scheme %q", u.Scheme)
	}

	q := u.Query()
	if creds.Room != "" {
		q.Set("room", creds.Room)
	}
	if creds.Token != "" {
		q.Set("token", creds.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func watchStates(transport *signal.Transport, cancel context.CancelCauseFunc, log *slog.Logger) {
	states := transport.States()
	defer states.Close()

	for s := range states.C() {
		log.Info("signaling", "state", s.String())
		if s != domain.Failed {
			continue
		}
		time.AfterFunc(failGrace, func() {
			if transport.State() == domain.Failed {
				cancel(errors.New("signaling connection failed"))
			}
		})
	}
}

func watchFaults(faults *stream.Subscription[error], log *slog.Logger) {
	defer faults.Close()
	for err := range faults.C() {
		var f *room.Fault
		if errors.As(err, &f) && f.Kind == room.FaultCapability {
			log.Warn("local media unavailable", "error", f.Err)
			continue
		}
		log.Error("room fault", "error", err)
	}
}

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server", "error", err)
	}
}
