package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatgate/internal/chat"
	"chatgate/internal/metrics"
	"chatgate/internal/queue"
	"chatgate/internal/quota"
	"chatgate/internal/storage"
)

type Chat interface {
	SendMessage(ctx context.Context, req chat.SendRequest) (chat.SendResult, error)
	ListSessions(ctx context.Context, userID int64) ([]storage.Session, error)
	Usage(ctx context.Context, userID int64) (quota.Usage, error)
}

// Directory resolves telegram accounts and the providers they can pick.
type Directory interface {
	GetUserByTelegramID(ctx context.Context, telegramID int64) (storage.User, error)
	CreateUser(ctx context.Context, u storage.User) (int64, error)
	ListProviderConfigs(ctx context.Context, enabledOnly bool) ([]storage.ProviderConfig, error)
}

type Service struct {
	chat              Chat
	directory         Directory
	state             *stateStore
	rateLimiter       *queue.RateLimiter
	logger            zerolog.Logger
	metrics           *metrics.Metrics
	defaultProviderID int64
	autoRegister      bool
	defaultQuota      int
	replyTimeout      time.Duration
}

type Config struct {
	Chat              Chat
	Directory         Directory
	Redis             *redis.Client
	RateLimiter       *queue.RateLimiter
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
	DefaultProviderID int64
	StateTTL          time.Duration
	// AutoRegister creates a user for unknown telegram accounts.
	AutoRegister bool
	DefaultQuota int
	ReplyTimeout time.Duration
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 24 * time.Hour
	}
	if cfg.DefaultQuota <= 0 {
		cfg.DefaultQuota = 100
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 3 * time.Minute
	}
	return &Service{
		chat:              cfg.Chat,
		directory:         cfg.Directory,
		state:             newStateStore(cfg.Redis, cfg.StateTTL),
		rateLimiter:       cfg.RateLimiter,
		logger:            cfg.Logger,
		metrics:           m,
		defaultProviderID: cfg.DefaultProviderID,
		autoRegister:      cfg.AutoRegister,
		defaultQuota:      cfg.DefaultQuota,
		replyTimeout:      cfg.ReplyTimeout,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("new", s.newSession))
	d.AddHandler(handlers.NewCommand("use", s.useSession))
	d.AddHandler(handlers.NewCommand("provider", s.provider))
	d.AddHandler(handlers.NewCommand("sessions", s.sessions))
	d.AddHandler(handlers.NewCommand("usage", s.usage))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg) && !strings.HasPrefix(msg.Text, "/")
	}, s.privateText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}
