package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goevery/openpreview/pkg/position"
	"github.com/goevery/openpreview/pkg/protocol"
	"github.com/goevery/openpreview/pkg/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	EventResize = "resize"
	EventScroll = "scroll"
)

const reloadTimeout = 10 * time.Second

// Events is the page's event source. Subscribe returns the function that
// removes the subscription.
type Events interface {
	Subscribe(event string, fn func()) (unsubscribe func())
}

// Notifier shows non-blocking notifications to the user.
type Notifier interface {
	Notify(message string)
}

type Config struct {
	Endpoint string
	Token    string
	Scope    protocol.Scope
	Document *html.Node

	Layout   position.Layout
	Renderer Renderer
	Notifier Notifier
	Events   Events
	Source   CommentSource

	ReanchorInterval  time.Duration
	PingInterval      time.Duration
	ReconnectAttempts uint
	ReconnectDelay    time.Duration
	Dialer            *websocket.Dialer

	Logger *zap.Logger
}

// Overlay owns the sync state of one embedded page: its markers, its
// channel to the hub and the timers that keep markers on their anchors.
type Overlay struct {
	config  Config
	logger  *zap.Logger
	store   *Store
	channel *realtime.Channel

	mu           sync.Mutex
	unsubscribes []func()
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func New(config Config) (*Overlay, error) {
	if config.Document == nil {
		return nil, errors.New("overlay requires a document")
	}
	if config.Layout == nil || config.Renderer == nil || config.Notifier == nil {
		return nil, errors.New("overlay requires a layout, a renderer and a notifier")
	}
	if config.ReanchorInterval <= 0 {
		config.ReanchorInterval = time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	logger := config.Logger.With(zap.String("component", "overlay"))

	overlay := &Overlay{
		config: config,
		logger: logger,
		store:  NewStore(logger, position.NewMapper(config.Layout), config.Renderer, config.Scope, config.Document),
	}

	overlay.channel = realtime.NewChannel(realtime.Options{
		Endpoint:          config.Endpoint,
		Token:             config.Token,
		Scope:             config.Scope,
		PingInterval:      config.PingInterval,
		ReconnectAttempts: config.ReconnectAttempts,
		ReconnectDelay:    config.ReconnectDelay,
		Dialer:            config.Dialer,
		Logger:            config.Logger,
	}, overlay)

	return overlay, nil
}

func (o *Overlay) Store() *Store {
	return o.store
}

func (o *Overlay) State() realtime.State {
	return o.channel.State()
}

// Start renders the stored comments, starts the anchor tracking and
// connects to the hub. A failed connection is reported and returned, but
// the markers already rendered stay on the page.
func (o *Overlay) Start(ctx context.Context) error {
	o.load(ctx, o.config.Scope)

	taskCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.cancel = cancel
	if o.config.Events != nil {
		for _, event := range []string{EventResize, EventScroll} {
			o.unsubscribes = append(o.unsubscribes, o.config.Events.Subscribe(event, o.LayoutChanged))
		}
	}
	o.mu.Unlock()

	o.wg.Add(1)
	go o.reanchorLoop(taskCtx)

	if err := o.channel.Connect(ctx); err != nil {
		o.logger.Warn("realtime connection failed", zap.Error(err))
		o.config.Notifier.Notify("Live updates are unavailable")

		return fmt.Errorf("connect: %w", err)
	}

	return nil
}

// CreateComment drafts a comment at a click inside element and sends it.
// It returns the draft's request id.
func (o *Overlay) CreateComment(element *html.Node, clientX float64, clientY float64, content string) (string, error) {
	comment, requestId := o.store.Draft(element, clientX, clientY, content)

	if err := o.channel.SendNewComment(requestId, comment); err != nil {
		o.store.Reject(requestId)
		o.config.Notifier.Notify("Failed to save comment")

		return "", err
	}

	return requestId, nil
}

// MoveComment drags comment id to a click inside element.
func (o *Overlay) MoveComment(id string, element *html.Node, clientX float64, clientY float64) (string, error) {
	comment, requestId, err := o.store.Move(id, element, clientX, clientY)
	if err != nil {
		return "", err
	}

	if err := o.channel.SendUpdateComment(requestId, comment); err != nil {
		o.store.Reject(requestId)
		o.config.Notifier.Notify("Failed to move comment")

		return "", err
	}

	return requestId, nil
}

// Navigate follows a client-side route change: the markers of the old page
// are dropped, the channel joins the new room and the new page is loaded.
func (o *Overlay) Navigate(ctx context.Context, url string, doc *html.Node) error {
	if doc == nil {
		return errors.New("navigate requires a document")
	}

	scope := protocol.Scope{ProjectId: o.store.Scope().ProjectId, Url: url}

	o.store.Reset(scope, doc)

	err := o.channel.Join(scope)
	if err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		o.logger.Warn("join after navigation failed", zap.Error(err))
	}

	o.load(ctx, scope)

	return err
}

func (o *Overlay) LayoutChanged() {
	o.store.Reanchor()
}

func (o *Overlay) Close() error {
	o.mu.Lock()
	unsubscribes := o.unsubscribes
	o.unsubscribes = nil
	cancel := o.cancel
	o.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	return o.channel.Close()
}

func (o *Overlay) HandleNewComment(envelope protocol.Envelope) {
	o.store.ApplyNew(envelope)
}

func (o *Overlay) HandleUpdateComment(envelope protocol.Envelope) {
	o.store.ApplyUpdate(envelope)
}

func (o *Overlay) HandleError(envelope protocol.Envelope) {
	o.logger.Warn("hub reported error",
		zap.String("requestId", envelope.RequestId),
		zap.String("message", envelope.Message))

	if o.store.Reject(envelope.RequestId) {
		o.config.Notifier.Notify("Failed to save comment: " + envelope.Message)
		return
	}

	o.config.Notifier.Notify(envelope.Message)
}

func (o *Overlay) HandleDisconnect(err error) {
	o.logger.Warn("realtime connection closed", zap.Error(err))
	o.discardPending()
	o.config.Notifier.Notify("Live updates are unavailable")
}

// HandleReconnect drops the mutations sent on the lost socket, whose answers
// will never arrive, and reloads the page to pick up what the hub did save.
func (o *Overlay) HandleReconnect() {
	o.discardPending()

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	o.load(ctx, o.store.Scope())
}

func (o *Overlay) discardPending() {
	rejected := o.store.RejectPending()
	if rejected == 0 {
		return
	}

	o.logger.Warn("discarding unacknowledged changes", zap.Int("count", rejected))
	o.config.Notifier.Notify("Unsaved changes were discarded")
}

func (o *Overlay) load(ctx context.Context, scope protocol.Scope) {
	if o.config.Source == nil {
		return
	}

	comments, err := o.config.Source.ListComments(ctx, scope)
	if err != nil {
		o.logger.Warn("failed to load comments", zap.Error(err))
		o.config.Notifier.Notify("Failed to load comments")
		return
	}

	// The page may have moved on while the list was in flight.
	if o.store.Scope() != scope {
		return
	}

	loaded := o.store.Load(comments)
	o.logger.Debug("comments loaded", zap.Int("count", loaded), zap.String("url", scope.Url))
}

func (o *Overlay) reanchorLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.ReanchorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.store.Reanchor()
		}
	}
}
