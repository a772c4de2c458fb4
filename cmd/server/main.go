package main // Entry point package

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-sniper/internal/browser"
	"github.com/iliyamo/showtime-sniper/internal/config"
	"github.com/iliyamo/showtime-sniper/internal/database"
	"github.com/iliyamo/showtime-sniper/internal/flow"
	"github.com/iliyamo/showtime-sniper/internal/handler"
	"github.com/iliyamo/showtime-sniper/internal/limiter"
	"github.com/iliyamo/showtime-sniper/internal/notify"
	"github.com/iliyamo/showtime-sniper/internal/queue"
	"github.com/iliyamo/showtime-sniper/internal/repository"
	"github.com/iliyamo/showtime-sniper/internal/router"
	"github.com/iliyamo/showtime-sniper/internal/scheduler"
	"github.com/iliyamo/showtime-sniper/internal/utils"
	"github.com/iliyamo/showtime-sniper/internal/worker"
)

// watchRateLimit / watchRateWindow bound how many watch cycles may start per
// rolling window across all workers, keeping the polling polite toward the
// target site.
const (
	watchRateLimit  = 10
	watchRateWindow = 60 * time.Second
)

func main() {
	_ = godotenv.Load() // .env is optional; real deployments use the environment
	cfg := config.Load()

	db, err := database.Open(database.Settings{
		User:            cfg.DBUser,
		Pass:            cfg.DBPass,
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		Name:            cfg.DBName,
		MaxOpenConns:    cfg.DBMaxOpen,
		MaxIdleConns:    cfg.DBMaxIdle,
		ConnMaxLifetime: cfg.DBConnLifetime,
		PingTimeout:     cfg.DBPingTimeout,
	})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := database.EnsureSchema(context.Background(), db); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Printf("redis unavailable; watch rate limiting falls back to in-process window")
	}

	box, err := utils.NewSecretBox(cfg.CardKeyHex)
	if err != nil {
		log.Fatalf("card key: %v", err)
	}

	broker, err := queue.Dial(cfg.AMQPURL)
	if err != nil {
		log.Fatalf("dial broker: %v", err)
	}
	defer broker.Close()

	// Site drivers register themselves the way database/sql drivers do and
	// are selected via BROWSER_DRIVER. The in-tree "stub" driver serves
	// environments without a real site binding; real drivers are
	// blank-imported here.
	provider, err := browser.Open(cfg.BrowserDriver)
	if err != nil {
		log.Fatalf("browser driver: %v", err)
	}

	jobRepo := repository.NewJobRepo(db)
	cardRepo := repository.NewGiftCardRepo(db, box)
	userRepo := repository.NewUserRepo(db)

	notifier := notify.NewService(userRepo, notify.AMQPTransport{Pub: broker})
	watchLimit := limiter.New(rdb, "watch:dispatch", watchRateLimit, watchRateWindow)

	sched := scheduler.New(jobRepo, broker, notifier, cfg.SchedulerTick, cfg.WatchBackoff, cfg.WatchBackoffMax)
	bookingFlow := flow.New(provider, cardRepo, cfg.StepTimeout)
	watchWorker := worker.NewWatchWorker(jobRepo, cardRepo, provider, broker, watchLimit, notifier, sched)
	bookingWorker := worker.NewBookingWorker(jobRepo, cardRepo, bookingFlow, notifier, cfg.MaxAttempts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := watchWorker.Run(ctx, cfg.AMQPURL); err != nil && ctx.Err() == nil {
			log.Printf("watch worker stopped: %v", err)
		}
	}()
	go func() {
		if err := bookingWorker.Run(ctx, cfg.AMQPURL); err != nil && ctx.Err() == nil {
			log.Printf("booking worker stopped: %v", err)
		}
	}()
	sched.Start(ctx)

	e := echo.New()
	e.HideBanner = true
	authHandler := handler.NewAuthHandler(userRepo, cfg.JWTSecret, cfg.AccessTTLMin, cfg.BcryptCost)
	jobHandler := handler.NewJobHandler(jobRepo, cardRepo)
	router.RegisterRoutes(e, authHandler, jobHandler, cfg.JWTSecret)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	go func() {
		if err := e.Start(addr); err != nil && ctx.Err() == nil {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
