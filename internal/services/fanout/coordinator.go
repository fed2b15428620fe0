package fanout

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"cipherfan/internal/domain"
	"cipherfan/internal/telemetry/metric"
)

const (
	// DefaultConcurrency bounds concurrent per-device work in one fan-out.
	DefaultConcurrency = 16
	// DefaultLargeGroupThreshold is the member count above which a group
	// rotation would prefer a shared sender key.
	DefaultLargeGroupThreshold = 100
)

// Coordinator encrypts one message or file for every device of every
// recipient and hands the result to the relay.
type Coordinator struct {
	self      domain.DeviceAddress
	sessions  domain.SessionEngine
	devices   domain.DeviceResolver
	bundles   domain.KeyBundleDirectory
	relay     domain.MessageRelay
	media     domain.MediaStore
	groupKeys domain.GroupKeyDistributor

	logger  hclog.Logger
	metrics *metric.Registry

	concurrency         int
	largeGroupThreshold int
	storeForOffline     bool

	progress progressTable

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	// removedMu also orders session creation against RemoveMember: a
	// session is created under the read lock after re-checking the roster.
	removedMu sync.RWMutex
	removed   map[domain.ChatID]map[domain.UserID]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the parent logger.
func WithLogger(l hclog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithMetrics sets the metrics registry.
func WithMetrics(m *metric.Registry) Option { return func(c *Coordinator) { c.metrics = m } }

// WithConcurrency bounds concurrent per-device work.
func WithConcurrency(n int) Option { return func(c *Coordinator) { c.concurrency = n } }

// WithLargeGroupThreshold sets the member count that triggers the large
// group path in RotateGroupKeys.
func WithLargeGroupThreshold(n int) Option {
	return func(c *Coordinator) { c.largeGroupThreshold = n }
}

// WithStoreForOffline sets the default offline-store flag for relayed
// ciphertexts. Metadata.StoreForOffline overrides it per send.
func WithStoreForOffline(on bool) Option { return func(c *Coordinator) { c.storeForOffline = on } }

// WithGroupKeyDistributor installs a shared-key distributor for large groups.
func WithGroupKeyDistributor(d domain.GroupKeyDistributor) Option {
	return func(c *Coordinator) { c.groupKeys = d }
}

// New returns a coordinator sending as self.
func New(
	self domain.DeviceAddress,
	sessions domain.SessionEngine,
	devices domain.DeviceResolver,
	bundles domain.KeyBundleDirectory,
	relay domain.MessageRelay,
	media domain.MediaStore,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		self:                self,
		sessions:            sessions,
		devices:             devices,
		bundles:             bundles,
		relay:               relay,
		media:               media,
		concurrency:         DefaultConcurrency,
		largeGroupThreshold: DefaultLargeGroupThreshold,
		storeForOffline:     true,
		entropy:             ulid.Monotonic(rand.Reader, 0),
		removed:             make(map[domain.ChatID]map[domain.UserID]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = hclog.NewNullLogger()
	}
	c.logger = c.logger.Named("fanout")
	if c.metrics == nil {
		c.metrics = metric.NewRegistry()
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	return c
}

// RegisterProgress installs fn for the operation with id opID. The
// registration is removed when that operation finishes, whatever the outcome.
func (c *Coordinator) RegisterProgress(opID string, fn ProgressFunc) {
	c.progress.register(opID, fn)
}

// NewOperationID returns a fresh sortable operation id.
func (c *Coordinator) NewOperationID() string {
	c.entropyMu.Lock()
	defer c.entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), c.entropy).String()
}

// operation is the per-call state shared by Send and SendMedia.
type operation struct {
	id       string
	chat     domain.ChatID
	content  domain.ContentType
	meta     domain.Metadata
	started  time.Time
	progress *reporter
	result   domain.FanoutResult
}

func (c *Coordinator) begin(chat domain.ChatID, content domain.ContentType, meta domain.Metadata) *operation {
	id := meta.OperationID
	if id == "" {
		id = c.NewOperationID()
	}
	return &operation{
		id:       id,
		chat:     chat,
		content:  content,
		meta:     meta,
		started:  time.Now(),
		progress: &reporter{opID: id, table: &c.progress},
		result: domain.FanoutResult{
			OperationID: id,
			Ciphertexts: make(map[domain.DeviceAddress]domain.EncryptedMessage),
		},
	}
}

func (c *Coordinator) finish(op *operation) {
	c.progress.remove(op.id)
	c.metrics.FanoutDuration.WithLabelValues(string(op.content)).Observe(time.Since(op.started).Seconds())
}

// Send encrypts plaintext for every device of every recipient. It fails
// with EncryptionFailed only when no device ciphertext was produced; other
// per-device failures are reported in the result.
func (c *Coordinator) Send(
	ctx context.Context,
	chat domain.ChatID,
	recipients []domain.UserID,
	plaintext []byte,
	meta domain.Metadata,
) (domain.FanoutResult, error) {
	op := c.begin(chat, domain.ContentTypeText, meta)
	defer c.finish(op)

	if len(plaintext) == 0 {
		return op.result, domain.Errorf(domain.KindEncryptionFailed, "empty plaintext")
	}

	ready := c.prepare(ctx, op, recipients)
	op.progress.report(domain.StageEncrypting, 50)
	c.encryptAll(op, ready, plaintext)
	op.progress.report(domain.StageEncrypting, 70)

	if err := c.conclude(op); err != nil {
		return op.result, err
	}
	op.progress.report(domain.StageUploading, 85)
	if err := c.handOff(ctx, op); err != nil {
		return op.result, err
	}
	op.progress.report(domain.StageComplete, 100)
	return op.result, nil
}

// SendMedia encrypts data once, uploads the single ciphertext blob and fans
// out only the small key envelope per device.
func (c *Coordinator) SendMedia(
	ctx context.Context,
	chat domain.ChatID,
	recipients []domain.UserID,
	data []byte,
	fileName, mimeType string,
	mediaType domain.MediaType,
	meta domain.Metadata,
) (domain.FanoutResult, error) {
	op := c.begin(chat, domain.ContentTypeMedia, meta)
	defer c.finish(op)

	ready := c.prepare(ctx, op, recipients)
	if len(ready) == 0 {
		return op.result, c.conclude(op)
	}

	op.progress.report(domain.StageEncrypting, 50)
	file, err := c.sessions.EncryptFile(data, fileName, mimeType)
	if err != nil {
		return op.result, err
	}

	op.progress.report(domain.StageUploading, 80)
	receipt, err := c.media.UploadMedia(ctx, chat, file.Ciphertext)
	if err != nil {
		return op.result, domain.NewError(domain.KindDeliveryFailed, "upload media blob", err)
	}
	op.result.MediaURL = receipt.MediaURL

	envelope, err := json.Marshal(domain.MediaEnvelope{
		MediaURL:   receipt.MediaURL,
		Key:        file.Key,
		IV:         file.IV,
		AuthTag:    file.AuthTag,
		FileName:   file.OriginalName,
		MimeType:   file.MimeType,
		MediaType:  mediaType,
		Size:       file.Size,
		Compressed: file.Compressed,
	})
	if err != nil {
		return op.result, domain.NewError(domain.KindEncryptionFailed, "encode media envelope", err)
	}

	c.encryptAll(op, ready, envelope)
	if err := c.conclude(op); err != nil {
		return op.result, err
	}
	op.progress.report(domain.StageUploading, 85)
	if err := c.handOff(ctx, op); err != nil {
		return op.result, err
	}
	op.progress.report(domain.StageComplete, 100)
	return op.result, nil
}

// prepare resolves recipients to devices and makes sure every device has a
// session. It returns the devices ready for encryption; everything else is
// recorded as a failure on op.
func (c *Coordinator) prepare(ctx context.Context, op *operation, recipients []domain.UserID) []domain.DeviceAddress {
	op.progress.report(domain.StageDiscovering, 10)
	targets := c.discover(ctx, op, recipients)
	op.progress.report(domain.StageEstablishing, 30)
	return c.establish(ctx, op, targets)
}

func (c *Coordinator) discover(ctx context.Context, op *operation, recipients []domain.UserID) []domain.DeviceAddress {
	users := c.filterRecipients(op.chat, recipients)
	lists := make([][]domain.DeviceDescriptor, len(users))
	errs := make([]error, len(users))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, u := range users {
		g.Go(func() error {
			lists[i], errs[i] = c.devices.ResolveDevices(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	var targets []domain.DeviceAddress
	for i, u := range users {
		if errs[i] != nil {
			c.fail(op, "discover", domain.DeviceAddress{UserID: u},
				domain.NewError(domain.KindKeyDownloadFailed, "list devices of "+string(u), errs[i]))
			continue
		}
		for _, d := range lists[i] {
			addr := d.Address()
			if addr == c.self {
				continue
			}
			targets = append(targets, addr)
		}
	}
	return targets
}

func (c *Coordinator) establish(ctx context.Context, op *operation, targets []domain.DeviceAddress) []domain.DeviceAddress {
	errs := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, addr := range targets {
		g.Go(func() error {
			errs[i] = c.ensureSession(ctx, op.chat, addr)
			return nil
		})
	}
	_ = g.Wait()

	ready := make([]domain.DeviceAddress, 0, len(targets))
	for i, addr := range targets {
		if errs[i] != nil {
			c.fail(op, "establish", addr, errs[i])
			continue
		}
		ready = append(ready, addr)
	}
	return ready
}

// ensureSession creates a session with addr from a freshly fetched bundle
// unless one is already stored. It refuses once addr's user has been
// removed from chat, even if that happened after discovery.
func (c *Coordinator) ensureSession(ctx context.Context, chat domain.ChatID, addr domain.DeviceAddress) error {
	ok, err := c.sessions.HasSession(addr.UserID, addr.DeviceID)
	if err != nil {
		return domain.NewError(domain.KindSessionCreationFailed, "check session", err)
	}
	if ok {
		return nil
	}
	bundle, err := c.bundles.FetchKeyBundle(ctx, addr.UserID, addr.DeviceID)
	if err != nil {
		return domain.NewError(domain.KindKeyDownloadFailed, "fetch bundle for "+addr.String(), err)
	}

	c.removedMu.RLock()
	defer c.removedMu.RUnlock()
	if _, gone := c.removed[chat][addr.UserID]; gone {
		return domain.Errorf(domain.KindSessionCreationFailed, "%s was removed from %s", addr.UserID, chat)
	}
	if err := c.sessions.CreateSession(addr.UserID, addr.DeviceID, bundle); err != nil {
		return domain.Wrap(domain.KindSessionCreationFailed, "create session with "+addr.String(), err)
	}
	return nil
}

func (c *Coordinator) encryptAll(op *operation, ready []domain.DeviceAddress, payload []byte) {
	msgs := make([]domain.EncryptedMessage, len(ready))
	errs := make([]error, len(ready))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, addr := range ready {
		g.Go(func() error {
			msgs[i], errs[i] = c.sessions.Encrypt(addr.UserID, addr.DeviceID, payload)
			return nil
		})
	}
	_ = g.Wait()

	for i, addr := range ready {
		if errs[i] != nil {
			c.fail(op, "encrypt", addr, domain.Wrap(domain.KindEncryptionFailed, "encrypt for "+addr.String(), errs[i]))
			continue
		}
		op.result.Ciphertexts[addr] = msgs[i]
		c.metrics.FanoutDevices.WithLabelValues("encrypt", "ok").Inc()
	}
}

// conclude sets Success and returns EncryptionFailed when nothing was
// produced.
func (c *Coordinator) conclude(op *operation) error {
	op.result.Success = len(op.result.Ciphertexts) > 0
	if op.result.Success {
		return nil
	}
	c.logger.Warn("fan-out produced no ciphertext", "operation", op.id, "chat", op.chat, "failures", len(op.result.Failures))
	return domain.Errorf(domain.KindEncryptionFailed, "no device ciphertext produced (%d failures)", len(op.result.Failures))
}

// handOff passes the ciphertext map and routing metadata to the relay.
func (c *Coordinator) handOff(ctx context.Context, op *operation) error {
	storeOffline := c.storeForOffline
	if op.meta.StoreForOffline != nil {
		storeOffline = *op.meta.StoreForOffline
	}

	addrs := make([]domain.DeviceAddress, 0, len(op.result.Ciphertexts))
	for addr := range op.result.Ciphertexts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].UserID != addrs[j].UserID {
			return addrs[i].UserID < addrs[j].UserID
		}
		return addrs[i].DeviceID < addrs[j].DeviceID
	})

	req := domain.RelayRequest{
		ChatID:         op.chat,
		SenderUserID:   c.self.UserID,
		SenderDeviceID: c.self.DeviceID,
		MessageType:    op.content,
		Metadata:       map[string]string{"operation_id": op.id},
	}
	for k, v := range op.meta.Attributes {
		req.Metadata[k] = v
	}
	for _, addr := range addrs {
		msg := op.result.Ciphertexts[addr]
		req.RecipientDevices = append(req.RecipientDevices, domain.RecipientDevice{
			UserID:           addr.UserID,
			DeviceID:         addr.DeviceID,
			EncryptedContent: msg.Body,
			MessageType:      msg.Type,
			RegistrationID:   msg.RegistrationID,
			StoreForOffline:  storeOffline,
		})
	}

	receipt, err := c.relay.RelayMessage(ctx, req)
	if err != nil {
		op.result.Success = false
		c.logger.Error("relay hand-off failed", "operation", op.id, "chat", op.chat, "error", err)
		return domain.NewError(domain.KindDeliveryFailed, "relay message", err)
	}
	op.result.MessageID = receipt.MessageID
	c.logger.Info("fan-out complete",
		"operation", op.id,
		"chat", op.chat,
		"type", op.content,
		"devices", len(addrs),
		"failures", len(op.result.Failures),
		"duration", time.Since(op.started),
	)
	return nil
}

func (c *Coordinator) fail(op *operation, stage string, addr domain.DeviceAddress, err error) {
	op.result.Failures = append(op.result.Failures, domain.DeviceFailure{
		UserID:   addr.UserID,
		DeviceID: addr.DeviceID,
		Err:      err,
	})
	c.metrics.FanoutDevices.WithLabelValues(stage, "error").Inc()
	c.logger.Warn("device excluded from fan-out",
		"operation", op.id,
		"stage", stage,
		"peer", addr.String(),
		"kind", domain.KindOf(err),
		"error", err,
	)
}

// filterRecipients drops duplicates and users removed from chat.
func (c *Coordinator) filterRecipients(chat domain.ChatID, recipients []domain.UserID) []domain.UserID {
	c.removedMu.RLock()
	removed := c.removed[chat]
	seen := make(map[domain.UserID]struct{}, len(recipients))
	out := make([]domain.UserID, 0, len(recipients))
	for _, u := range recipients {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if _, gone := removed[u]; gone {
			continue
		}
		out = append(out, u)
	}
	c.removedMu.RUnlock()
	if len(out) < len(recipients) {
		c.logger.Debug("recipients filtered", "chat", chat, "requested", len(recipients), "kept", len(out))
	}
	return out
}
