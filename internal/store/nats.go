package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
)

// DefaultBucket is the JetStream key-value bucket for goal events.
const DefaultBucket = "sdm-goals"

// maxUpdateAttempts bounds compare-and-swap retries under contention.
const maxUpdateAttempts = 10

// NATSStore keeps goal events in a JetStream key-value bucket and publishes
// every change to goals.{owner}.{repo}.{state}.
//
// Keys are {owner}.{repo}.{sha}.{environment/name}, each token base64url
// encoded except the sha.
type NATSStore struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	logger *zap.Logger
	now    func() time.Time
}

// NewNATSStore binds to bucket, creating it when missing.
func NewNATSStore(nc *nats.Conn, bucket string, logger *zap.Logger) (*NATSStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "sdmd goal events",
			History:     5,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("goal bucket %s: %w", bucket, err)
	}
	return &NATSStore{nc: nc, kv: kv, logger: logger, now: time.Now}, nil
}

func token(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func pushPrefix(owner, repo, sha string) string {
	return token(owner) + "." + token(repo) + "." + sha
}

func kvKey(k goal.Key) string {
	return pushPrefix(k.Owner, k.Repo, k.Sha) + "." + token(string(k.Environment)+"/"+k.Name)
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Subject returns the subject a change to ev is published on.
func Subject(ev goal.Event) string {
	return fmt.Sprintf("goals.%s.%s.%s",
		subjectReplacer.Replace(ev.Key.Owner),
		subjectReplacer.Replace(ev.Key.Repo),
		ev.State)
}

func (s *NATSStore) publish(ev goal.Event, data []byte) {
	if err := s.nc.Publish(Subject(ev), data); err != nil {
		s.logger.Warn("publishing goal change", zap.String("goal.key", ev.Key.String()), zap.Error(err))
	}
}

func (s *NATSStore) Create(_ context.Context, ev goal.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal goal event: %w", err)
	}
	if _, err := s.kv.Create(kvKey(ev.Key), data); err != nil {
		if isRevisionConflict(err) {
			return fmt.Errorf("%w: %s", ErrExists, ev.Key)
		}
		return fmt.Errorf("create %s: %w", ev.Key, err)
	}
	s.publish(ev, data)
	return nil
}

func (s *NATSStore) read(key goal.Key) (goal.Event, uint64, error) {
	entry, err := s.kv.Get(kvKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return goal.Event{}, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return goal.Event{}, 0, fmt.Errorf("read %s: %w", key, err)
	}
	var ev goal.Event
	if err := json.Unmarshal(entry.Value(), &ev); err != nil {
		return goal.Event{}, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return ev, entry.Revision(), nil
}

func (s *NATSStore) Read(_ context.Context, key goal.Key) (goal.Event, error) {
	ev, _, err := s.read(key)
	return ev, err
}

// Update applies d with optimistic concurrency, re-reading on conflict.
func (s *NATSStore) Update(ctx context.Context, key goal.Key, d goal.Delta) (goal.Event, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return goal.Event{}, err
		}
		cur, rev, err := s.read(key)
		if err != nil {
			return goal.Event{}, err
		}
		next, err := goal.Apply(cur, d, s.now())
		if err != nil {
			return cur, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return cur, fmt.Errorf("marshal goal event: %w", err)
		}
		if _, err := s.kv.Update(kvKey(key), data, rev); err != nil {
			if isRevisionConflict(err) {
				s.logger.Debug("goal update conflict, retrying", zap.String("goal.key", key.String()), zap.Int("attempt", attempt+1))
				continue
			}
			return cur, fmt.Errorf("update %s: %w", key, err)
		}
		s.publish(next, data)
		return next, nil
	}
	return goal.Event{}, fmt.Errorf("update %s: too many concurrent writers", key)
}

func (s *NATSStore) ListForPush(ctx context.Context, owner, repo, sha string) ([]goal.Event, error) {
	w, err := s.kv.Watch(pushPrefix(owner, repo, sha)+".*", nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("listing goals: %w", err)
	}
	defer func() { _ = w.Stop() }()

	var out []goal.Event
	for entry := range w.Updates() {
		// A nil entry marks the end of the initial values.
		if entry == nil {
			break
		}
		var ev goal.Event
		if err := json.Unmarshal(entry.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key(), err)
		}
		out = append(out, ev)
	}
	sortEvents(out)
	return out, nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

var _ GoalStore = (*NATSStore)(nil)
