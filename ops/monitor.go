package ops

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Watch names. Payments, invoices and hive ops are slices of the same
// ops collection; the names survive from when each had a collection of
// its own, and key the stored resume tokens.
const (
	WatchPayments = "payments"
	WatchInvoices = "invoices"
	WatchHiveOps  = "hive_ops"
	WatchLedger   = "ledger"
	WatchRates    = "rates_ts"
)

const (
	// tokenKeyPrefix namespaces resume tokens in redis.
	tokenKeyPrefix = "resume_token:"

	// watchRetryDelay is the first retry delay after a stream error.
	watchRetryDelay = 2 * time.Second

	// watchRetryMaxDelay caps the backoff between retries.
	watchRetryMaxDelay = time.Minute
)

// Mongo error codes that invalidate a resume token. Resuming is
// pointless once the oplog no longer covers the token, so these force
// a fresh subscription.
var nonResumableCodes = []int{
	260, // InvalidResumeToken
	280, // ChangeStreamFatalError
	286, // ChangeStreamHistoryLost
}

// ErrNoToken is returned when no resume token is stored for a stream.
var ErrNoToken = errors.New("no resume token stored")

// TokenStore persists change stream resume tokens across restarts.
type TokenStore interface {
	// Load returns the stored token for a stream, or ErrNoToken.
	Load(ctx context.Context, name string) (bson.Raw, error)

	// Save stores the token for a stream.
	Save(ctx context.Context, name string, token bson.Raw) error

	// Delete discards the stored token for a stream.
	Delete(ctx context.Context, name string) error
}

// RedisTokenStore keeps resume tokens in redis under
// resume_token:{name}.
type RedisTokenStore struct {
	rdb redis.UniversalClient
}

// NewRedisTokenStore returns a token store on the given redis client.
func NewRedisTokenStore(rdb redis.UniversalClient) *RedisTokenStore {
	return &RedisTokenStore{rdb: rdb}
}

// Load returns the stored token for a stream, or ErrNoToken.
func (r *RedisTokenStore) Load(ctx context.Context, name string) (
	bson.Raw, error) {

	raw, err := r.rdb.Get(ctx, tokenKeyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrNoToken, name)
	}
	if err != nil {
		return nil, err
	}

	return bson.Raw(raw), nil
}

// Save stores the token for a stream. Tokens do not expire; a stale
// token is detected by mongo and handled as non-resumable.
func (r *RedisTokenStore) Save(ctx context.Context, name string,
	token bson.Raw) error {

	return r.rdb.Set(ctx, tokenKeyPrefix+name, []byte(token), 0).Err()
}

// Delete discards the stored token for a stream.
func (r *RedisTokenStore) Delete(ctx context.Context, name string) error {
	return r.rdb.Del(ctx, tokenKeyPrefix+name).Err()
}

// HandlerFunc consumes the full document of one change event. Handler
// errors are logged and do not stop the stream; dispatch is at least
// once and processors are idempotent.
type HandlerFunc func(ctx context.Context, doc bson.Raw) error

// WatchSpec describes one change stream: the collection to watch, the
// match pipeline applied server-side, and the handler dispatched per
// event.
type WatchSpec struct {
	Name       string
	Collection string
	Pipeline   mongo.Pipeline
	Handler    HandlerFunc
}

// Monitor tails change streams and dispatches events after the
// source-of-truth write is durable. Each stream resumes from its
// stored token, falls back to now when the token is gone, and retries
// with backoff on transient errors.
type Monitor struct {
	db     *mongo.Database
	tokens TokenStore
	specs  []WatchSpec
}

// NewMonitor returns a monitor for the given streams.
func NewMonitor(db *mongo.Database, tokens TokenStore,
	specs ...WatchSpec) *Monitor {

	return &Monitor{
		db:     db,
		tokens: tokens,
		specs:  specs,
	}
}

// Run watches every stream until the context is cancelled. Stream
// errors are retried in place; only context cancellation ends a
// stream.
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, len(m.specs))
	for _, spec := range m.specs {
		spec := spec
		go func() {
			errChan <- m.watch(ctx, spec)
		}()
	}

	var firstErr error
	for range m.specs {
		if err := <-errChan; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	if errors.Is(firstErr, context.Canceled) {
		return nil
	}

	return firstErr
}

// watch runs one stream with retries. A non-resumable error discards
// the stored token and subscribes afresh from now, accepting the gap;
// anything else backs off and resumes from the token.
func (m *Monitor) watch(ctx context.Context, spec WatchSpec) error {
	delay := watchRetryDelay

	for {
		err := m.stream(ctx, spec)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if nonResumable(err) {
			log.Criticalf("Watch %v: resume token rejected, "+
				"events between the token and now are lost, "+
				"restarting from now: %v", spec.Name, err)

			if delErr := m.tokens.Delete(ctx, spec.Name); delErr != nil {
				log.Errorf("Watch %v: deleting stale resume "+
					"token: %v", spec.Name, delErr)
			}

			delay = watchRetryDelay
			continue
		}

		log.Errorf("Watch %v failed, retrying in %v: %v", spec.Name,
			delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > watchRetryMaxDelay {
			delay = watchRetryMaxDelay
		}
	}
}

// stream opens the change stream and pumps events until it breaks. The
// resume token is saved after every event, matching the at-least-once
// contract: a crash between handler and save replays the event.
func (m *Monitor) stream(ctx context.Context, spec WatchSpec) error {
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup)

	token, err := m.tokens.Load(ctx, spec.Name)
	switch {
	case err == nil:
		opts.SetResumeAfter(token)
		log.Infof("Watch %v: resuming from stored token", spec.Name)

	case errors.Is(err, ErrNoToken):
		opts.SetStartAtOperationTime(&primitive.Timestamp{
			T: uint32(time.Now().Unix()),
		})
		log.Infof("Watch %v: no stored token, starting at now",
			spec.Name)

	default:
		return fmt.Errorf("load resume token: %w", err)
	}

	stream, err := m.db.Collection(spec.Collection).Watch(
		ctx, spec.Pipeline, opts,
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		_ = stream.Close(closeCtx)
	}()

	for stream.Next(ctx) {
		var event struct {
			OperationType string   `bson:"operationType"`
			FullDocument  bson.Raw `bson:"fullDocument"`
		}
		if err := stream.Decode(&event); err != nil {
			log.Errorf("Watch %v: undecodable event: %v",
				spec.Name, err)
			continue
		}

		if len(event.FullDocument) > 0 && spec.Handler != nil {
			if err := spec.Handler(ctx, event.FullDocument); err != nil {
				log.Errorf("Watch %v: handler: %v", spec.Name,
					err)
			}
		}

		err := m.tokens.Save(ctx, spec.Name, stream.ResumeToken())
		if err != nil {
			log.Warnf("Watch %v: saving resume token: %v",
				spec.Name, err)
		}
	}

	return stream.Err()
}

// nonResumable reports whether a stream error invalidates the resume
// token.
func nonResumable(err error) bool {
	var serverErr mongo.ServerError
	if !errors.As(err, &serverErr) {
		return false
	}

	for _, code := range nonResumableCodes {
		if serverErr.HasErrorCode(code) {
			return true
		}
	}

	return false
}

// DefaultIgnoredFields are update fields that never warrant dispatch
// on their own. Config may extend the list per deployment.
var DefaultIgnoredFields = []string{"locked"}

// noiseFilter builds the pipeline stages that drop update events
// touching only bookkeeping fields. Inserts and replaces always pass.
func noiseFilter(ignored []string) []bson.D {
	fields := make(bson.A, 0, len(DefaultIgnoredFields)+len(ignored))
	for _, f := range DefaultIgnoredFields {
		fields = append(fields, f)
	}
	for _, f := range ignored {
		fields = append(fields, f)
	}

	changedKeys := bson.D{{Key: "$map", Value: bson.D{
		{Key: "input", Value: bson.D{{
			Key: "$objectToArray",
			Value: bson.D{{
				Key:   "$ifNull",
				Value: bson.A{"$updateDescription.updatedFields", bson.D{}},
			}},
		}}},
		{Key: "as", Value: "change"},
		{Key: "in", Value: "$$change.k"},
	}}}

	return []bson.D{
		{{Key: "$addFields", Value: bson.D{
			{Key: "changedFields", Value: changedKeys},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "$ne", Value: bson.A{
					"$operationType", "update",
				}}},
				bson.D{{Key: "$gt", Value: bson.A{
					bson.D{{Key: "$size", Value: bson.D{{
						Key: "$setDifference",
						Value: bson.A{
							"$changedFields",
							fields,
						},
					}}}},
					0,
				}}},
			}},
		}}}}},
	}
}

// PaymentsPipeline matches payment ops that carry the originating
// group id in their custom records, which is what lets the dispatcher
// find the op that triggered the payment.
func PaymentsPipeline(ignored ...string) mongo.Pipeline {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "fullDocument.op_type", Value: string(TypePayment)},
			{Key: "fullDocument.custom_records.v4vapp_group_id", Value: bson.D{
				{Key: "$exists", Value: true},
			}},
		}}},
	}

	return append(pipeline, noiseFilter(ignored)...)
}

// InvoicesPipeline matches invoice ops reaching the settled state.
func InvoicesPipeline(ignored ...string) mongo.Pipeline {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "fullDocument.op_type", Value: string(TypeInvoice)},
			{Key: "fullDocument.state", Value: string(InvoiceSettled)},
		}}},
	}

	return append(pipeline, noiseFilter(ignored)...)
}

// HiveOpsPipeline matches tracked hive chain ops, excluding the block
// marker, whose cadence would dominate the stream.
func HiveOpsPipeline(ignored ...string) mongo.Pipeline {
	names := make([]string, 0, len(trackedTypes))
	for t := range trackedTypes {
		names = append(names, string(t))
	}
	sort.Strings(names)

	tracked := make(bson.A, 0, len(names))
	for _, name := range names {
		tracked = append(tracked, name)
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "fullDocument.op_type", Value: bson.D{
				{Key: "$in", Value: tracked},
			}},
		}}},
	}

	return append(pipeline, noiseFilter(ignored)...)
}

// LedgerPipeline matches journal entry writes.
func LedgerPipeline(ignored ...string) mongo.Pipeline {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "fullDocument.group_id", Value: bson.D{
				{Key: "$exists", Value: true},
			}},
		}}},
	}

	return append(pipeline, noiseFilter(ignored)...)
}

// RatesPipeline matches new rate snapshots. The timeseries is insert
// only, so no noise filter is needed.
func RatesPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
		}}},
	}
}
