package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/docfleet/internal/config"
	"git.home.luguber.info/inful/docfleet/internal/logfields"
)

const streamName = "DOCFLEET_BUILDS"

// streamPublisher is the JetStream subset NATSClient publishes through.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// keyValue is the KV subset NATSClient uses.
type keyValue interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
}

// NATSClient publishes build events to JetStream, keeps the latest artifact
// reference of every release target in a KV bucket and subscribes to
// release notices.
type NATSClient struct {
	conn           *nats.Conn
	js             streamPublisher
	kv             keyValue
	eventSubject   string
	releaseSubject string
}

// NewNATSClient connects and makes sure the event stream and KV bucket exist.
func NewNATSClient(ctx context.Context, cfg config.NATSConfig) (*NATSClient, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("docfleet"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(setupCtx, jetstream.StreamConfig{
		Name:        streamName,
		Description: "docfleet build outcomes",
		Subjects:    []string{cfg.EventSubject + ".>"},
		MaxAge:      30 * 24 * time.Hour,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create event stream: %w", err)
	}
	kv, err := js.KeyValue(setupCtx, cfg.KVBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(setupCtx, jetstream.KeyValueConfig{
			Bucket:      cfg.KVBucket,
			Description: "Latest published artifact per release target",
			History:     1,
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize KV bucket: %w", err)
	}

	slog.Info("NATS client initialized",
		logfields.URL(cfg.URL),
		slog.String("event_subject", cfg.EventSubject),
		slog.String("release_subject", cfg.ReleaseSubject),
		slog.String("kv_bucket", cfg.KVBucket))

	return &NATSClient{
		conn:           conn,
		js:             js,
		kv:             kv,
		eventSubject:   cfg.EventSubject,
		releaseSubject: cfg.ReleaseSubject,
	}, nil
}

// BuildFinished publishes ev on <event_subject>.<status> and, for a
// succeeded build, records its artifact reference.
func (c *NATSClient) BuildFinished(ctx context.Context, ev BuildEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := c.js.Publish(pubCtx, c.eventSubject+"."+ev.Status, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if ev.Status == "succeeded" && ev.ArtifactRef != "" {
		if _, err := c.kv.Put(pubCtx, artifactKey(ev.Package, ev.Version, ev.Target), []byte(ev.ArtifactRef)); err != nil {
			return fmt.Errorf("failed to record artifact ref: %w", err)
		}
	}
	slog.Debug("Published build event", logfields.Package(ev.Package), logfields.Version(ev.Version), logfields.Status(ev.Status))
	return nil
}

// LatestArtifact returns the recorded artifact reference, or "" when none is.
func (c *NATSClient) LatestArtifact(ctx context.Context, pkg, version, target string) (string, error) {
	entry, err := c.kv.Get(ctx, artifactKey(pkg, version, target))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get artifact ref: %w", err)
	}
	return string(entry.Value()), nil
}

// SubscribeReleases delivers every release notice to handler until ctx ends.
func (c *NATSClient) SubscribeReleases(ctx context.Context, handler ReleaseHandler) error {
	sub, err := c.conn.Subscribe(c.releaseSubject, func(msg *nats.Msg) {
		handleNotice(ctx, msg.Data, handler)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.releaseSubject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func handleNotice(ctx context.Context, data []byte, handler ReleaseHandler) {
	notice, err := DecodeReleaseNotice(data)
	if err != nil {
		slog.WarnContext(ctx, "Ignoring malformed release notice", logfields.Error(err))
		return
	}
	if err := handler(ctx, notice); err != nil {
		slog.ErrorContext(ctx, "Release notice handler failed",
			logfields.Package(notice.Package), logfields.Version(notice.Version), logfields.Error(err))
	}
}

// DecodeReleaseNotice parses a notice and checks its required fields.
func DecodeReleaseNotice(data []byte) (ReleaseNotice, error) {
	var n ReleaseNotice
	if err := json.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("decode release notice: %w", err)
	}
	if n.Package == "" || n.Version == "" {
		return n, errors.New("release notice needs package and version")
	}
	return n, nil
}

// Close drains the connection.
func (c *NATSClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}

// artifactKey maps coordinates onto the KV key alphabet.
func artifactKey(pkg, version, target string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return clean(pkg) + "." + clean(version) + "." + clean(target)
}
