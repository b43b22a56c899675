package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/authgate/internal/metrics"
)

// 送信結果ラベル
const (
	resultSent    = "sent"
	resultFailed  = "failed"
	resultDropped = "dropped"

	resultSuppressed   = "suppressed"
	resultScreenFailed = "screen_failed"
)

// Screener は送信直前に通知の要否を判定し、宛先を補完する。
type Screener interface {
	Screen(ctx context.Context, alert SignInAlert) (SignInAlert, bool, error)
}

// DispatcherConfig はディスパッチャの設定。
type DispatcherConfig struct {
	// QueueSize は送信待ちキューの長さ。満杯の場合は破棄する。
	QueueSize int
	// RatePerSec はSMTPへの送信レート（通/秒）。
	RatePerSec float64
	// SendTimeout は1通あたりの送信タイムアウト。
	SendTimeout time.Duration
}

// DefaultDispatcherConfig はデフォルト設定を返す。
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:   256,
		RatePerSec:  2,
		SendTimeout: 15 * time.Second,
	}
}

// Dispatcher は通知をキューに積み、単一ワーカーで送信レートを制御しながら送信する。
// Enqueueはブロックしない。
type Dispatcher struct {
	queue    chan SignInAlert
	mailer   Mailer
	screener Screener
	limiter  *rate.Limiter
	config  DispatcherConfig
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewDispatcher は新しいDispatcherを生成する。screenerがnilの場合はすべての通知を送信する。
func NewDispatcher(mailer Mailer, screener Screener, config DispatcherConfig, collector metrics.MetricsCollector, logger *slog.Logger) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultDispatcherConfig().QueueSize
	}
	if config.RatePerSec <= 0 {
		config.RatePerSec = DefaultDispatcherConfig().RatePerSec
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultDispatcherConfig().SendTimeout
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		queue:    make(chan SignInAlert, config.QueueSize),
		mailer:   mailer,
		screener: screener,
		limiter:  rate.NewLimiter(rate.Limit(config.RatePerSec), 1),
		config:   config,
		metrics:  collector,
		logger:   logger,
	}
}

// Enqueue は通知をキューに積む。キューが満杯の場合は破棄してfalseを返す。
func (d *Dispatcher) Enqueue(alert SignInAlert) bool {
	select {
	case d.queue <- alert:
		return true
	default:
		d.metrics.RecordMailDispatch(resultDropped)
		d.logger.Warn("通知キューが満杯のためサインイン通知を破棄しました",
			slog.Int("queue_size", d.config.QueueSize),
		)
		return false
	}
}

// Start はコンテキストがキャンセルされるまでキューの通知を送信する。
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("通知ディスパッチャを開始しました",
		slog.Float64("rate_per_sec", d.config.RatePerSec),
		slog.Int("queue_size", d.config.QueueSize),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("通知ディスパッチャを停止しました",
				slog.Int("pending", len(d.queue)),
			)
			return
		case alert := <-d.queue:
			alert, ok := d.screen(ctx, alert)
			if !ok {
				continue
			}
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			d.send(ctx, alert)
		}
	}
}

func (d *Dispatcher) screen(ctx context.Context, alert SignInAlert) (SignInAlert, bool) {
	if d.screener == nil {
		return alert, true
	}
	screenCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	screened, ok, err := d.screener.Screen(screenCtx, alert)
	if err != nil {
		d.metrics.RecordMailDispatch(resultScreenFailed)
		d.logger.Warn("サインイン通知の要否判定に失敗しました",
			slog.String("user_id", alert.UserID),
			slog.String("error", err.Error()),
		)
		return alert, false
	}
	if !ok {
		d.metrics.RecordMailDispatch(resultSuppressed)
		return alert, false
	}
	return screened, true
}

func (d *Dispatcher) send(ctx context.Context, alert SignInAlert) {
	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	if err := d.mailer.Send(sendCtx, alert.Render()); err != nil {
		d.metrics.RecordMailDispatch(resultFailed)
		d.logger.Error("サインイン通知の送信に失敗しました",
			slog.String("provider", alert.ProviderName),
			slog.String("error", err.Error()),
		)
		return
	}
	d.metrics.RecordMailDispatch(resultSent)
}

// LogOnlyMailer はSMTP未設定時に使用する、送信せずログに記録するMailer。
type LogOnlyMailer struct {
	Logger *slog.Logger
}

var _ Mailer = LogOnlyMailer{}

// Send は宛先と件名のみをログに記録する。
func (m LogOnlyMailer) Send(ctx context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "SMTP未設定のため通知メールを送信しません",
		slog.String("subject", msg.Subject),
	)
	return nil
}
