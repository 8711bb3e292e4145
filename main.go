package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pathakanu/medMemo/internal/bot"
	"github.com/pathakanu/medMemo/internal/config"
	"github.com/pathakanu/medMemo/internal/database"
	"github.com/pathakanu/medMemo/internal/druginfo"
	"github.com/pathakanu/medMemo/internal/gateway"
	"github.com/pathakanu/medMemo/internal/logging"
	myopenai "github.com/pathakanu/medMemo/internal/openai"
	"github.com/pathakanu/medMemo/internal/payment"
	"github.com/pathakanu/medMemo/internal/scheduler"
	"github.com/pathakanu/medMemo/internal/store"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()
	logger := logging.New("medMemo", cfg.LogLevel)

	db, err := database.New(cfg.DatabaseURL, cfg.SQLitePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("database init failed")
	}
	st := store.New(db)

	sender, err := newSender(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("notification gateway init failed")
	}

	sched := scheduler.New(st, gateway.NewNotifier(sender, logger), logger, scheduler.Options{
		Workers:       cfg.DeliveryWorkers,
		ReconcileSpec: cfg.ReconcileSpec,
		Location:      cfg.LocalTimezone,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recovered, err := sched.Recover(ctx)
	if err != nil {
		logger.WithError(err).Fatal("scheduler recovery failed")
	}
	if err := sched.Start(ctx); err != nil {
		logger.WithError(err).Fatal("scheduler start failed")
	}
	logger.WithField("courses", recovered).Info("scheduler started")

	var translator druginfo.Translator
	if openAIClient := myopenai.New(cfg.OpenAIAPIKey); openAIClient.Enabled() {
		translator = openAIClient
	}
	info := druginfo.New(cfg.OpenFDAURL, translator, cfg.TranslateLanguage, logger)

	machine := bot.New(st, sched, info, bot.Options{
		FreeCourseLimit: cfg.FreeCourseLimit,
		PremiumURL:      cfg.PremiumURL,
	}, logger)

	router := mux.NewRouter()
	router.Use(requestID(logger))
	router.HandleFunc("/healthz", health(sched)).Methods(http.MethodGet)
	bot.NewWebhooks(machine, sender, payment.New(st, sender, logger), logger).Register(router)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("server starting on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	waitForShutdown(server, sched, logger)
}

// newSender picks the notification channel of this deployment. Without
// credentials notifications are only logged.
func newSender(cfg *config.Config, logger *logrus.Logger) (gateway.Sender, error) {
	switch {
	case cfg.Channel == config.ChannelWhatsApp && cfg.TwilioAccountSID != "":
		logger.WithField("from", cfg.TwilioWhatsAppNumber).Info("delivering through twilio whatsapp")
		return gateway.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppNumber, logger), nil
	case cfg.Channel == config.ChannelTelegram && cfg.TelegramBotToken != "":
		logger.Info("delivering through telegram")
		return gateway.NewTelegramSender(cfg.TelegramBotToken, logger)
	default:
		logger.Warnf("no credentials for channel %q, notifications will only be logged", cfg.Channel)
		return gateway.Discard{Log: logger}, nil
	}
}

func requestID(logger logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			logger.WithFields(logrus.Fields{
				"request_id": id,
				"method":     r.Method,
				"path":       r.URL.Path,
			}).Debug("http request")
			next.ServeHTTP(w, r)
		})
	}
}

func health(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"scheduler": sched.Stats(),
		})
	}
}

func waitForShutdown(server *http.Server, sched *scheduler.Scheduler, logger *logrus.Logger) {
	stopCtx := make(chan os.Signal, 1)
	signal.Notify(stopCtx, syscall.SIGINT, syscall.SIGTERM)
	<-stopCtx
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown error")
	}
	sched.Stop()
}
