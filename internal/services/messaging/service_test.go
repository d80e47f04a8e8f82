package messaging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/ternarybob/dunner/internal/storage/sqlite"
)

const (
	testTenant    = "tenant-a"
	testPhone     = "5493511234567"
	pairedDevice  = "5493519990000:12@s.whatsapp.net"
	testChallenge = "2@pairing-challenge"
)

type fakeClient struct {
	credential  []byte
	handler     EventHandler
	failPairing bool

	mu          sync.Mutex
	sent        []string
	registered  map[string]bool
	sendGate    chan struct{} // SendDocument waits on it when set
	active      atomic.Int32
	maxActive   atomic.Int32
	sendCalls   atomic.Int32
	lookupCalls atomic.Int32
	logoutCalls atomic.Int32
	disconnects atomic.Int32
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if len(c.credential) > 0 {
		c.handler(Event{Type: EventConnected, Credential: c.credential})
		return nil
	}
	if c.failPairing {
		c.handler(Event{Type: EventPairingFailed, Err: errors.New("pairing rejected")})
		return nil
	}
	c.handler(Event{Type: EventPairingCode, Code: testChallenge})
	return nil
}

// completePairing simulates the operator scanning the challenge
func (c *fakeClient) completePairing() {
	c.handler(Event{Type: EventConnected, Credential: []byte(pairedDevice)})
}

func (c *fakeClient) IsRegistered(ctx context.Context, phone string) (bool, error) {
	c.lookupCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered[phone], nil
}

func (c *fakeClient) SendDocument(ctx context.Context, phone, caption, fileName string, data []byte) error {
	c.sendCalls.Add(1)
	current := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		old := c.maxActive.Load()
		if current <= old || c.maxActive.CompareAndSwap(old, current) {
			break
		}
	}
	if c.sendGate != nil {
		<-c.sendGate
	}
	c.mu.Lock()
	c.sent = append(c.sent, phone)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.logoutCalls.Add(1)
	return nil
}

func (c *fakeClient) Disconnect() {
	c.disconnects.Add(1)
}

type fakeProvider struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	created int
	prepare func(*fakeClient)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{clients: make(map[string]*fakeClient)}
}

func (p *fakeProvider) NewClient(ctx context.Context, tenantID string, credential []byte, handler EventHandler) (Client, error) {
	client := &fakeClient{
		credential: credential,
		handler:    handler,
		registered: map[string]bool{testPhone: true},
	}
	if p.prepare != nil {
		p.prepare(client)
	}
	p.mu.Lock()
	p.clients[tenantID] = client
	p.created++
	p.mu.Unlock()
	return client, nil
}

func (p *fakeProvider) client(tenantID string) *fakeClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[tenantID]
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages map[string][]string
}

func (n *recordingNotifier) SendLogMessage(tenantID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.messages == nil {
		n.messages = make(map[string][]string)
	}
	n.messages[tenantID] = append(n.messages[tenantID], message)
}

func newTestService(t *testing.T) (*Service, *fakeProvider, interfaces.SessionStorage, *recordingNotifier) {
	t.Helper()
	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "dunner.db"),
		BusyTimeoutMS: 5000,
		WALMode:       true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	storage := sqlite.NewSessionStorage(db, arbor.NewLogger())
	provider := newFakeProvider()
	notifier := &recordingNotifier{}
	service := NewService(provider, storage, notifier, Config{
		PhonePrefix:    "549351",
		PairingTimeout: time.Second,
	}, arbor.NewLogger())
	return service, provider, storage, notifier
}

func readySession(t *testing.T, service *Service, provider *fakeProvider) *fakeClient {
	t.Helper()
	_, err := service.Initialize(context.Background(), testTenant)
	require.NoError(t, err)
	client := provider.client(testTenant)
	client.completePairing()
	require.NoError(t, service.AwaitReady(context.Background(), testTenant))
	return client
}

func writeDocument(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1001.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0644))
	return path
}

// Pairing a new tenant ends with an active session and a persisted row
func TestInitializePairsAndPersistsSession(t *testing.T) {
	ctx := context.Background()
	service, provider, storage, notifier := newTestService(t)

	result, err := service.Initialize(ctx, testTenant)
	require.NoError(t, err)
	assert.True(t, result.PairingRequired())
	assert.Equal(t, testChallenge, result.PairingChallenge)

	challenge, pairing := service.PairingChallenge(testTenant)
	assert.True(t, pairing)
	assert.Equal(t, testChallenge, challenge)

	stored, err := storage.GetSession(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, models.AuthPairing, stored.AuthState)
	assert.Equal(t, testChallenge, stored.LastPairingChallenge)

	provider.client(testTenant).completePairing()
	require.NoError(t, service.AwaitReady(ctx, testTenant))
	assert.True(t, service.IsSessionActive(testTenant))

	stored, err = storage.GetSession(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, models.AuthReady, stored.AuthState)
	assert.Equal(t, []byte(pairedDevice), stored.CredentialBlob)
	assert.Empty(t, stored.LastPairingChallenge)

	notifier.mu.Lock()
	assert.Contains(t, notifier.messages[testTenant], "WhatsApp session ready")
	notifier.mu.Unlock()

	// A second Initialize reuses the ready session
	result, err = service.Initialize(ctx, testTenant)
	require.NoError(t, err)
	assert.True(t, result.Ready)
	assert.Equal(t, 1, provider.created)
}

func TestInitializeRestoresStoredCredentials(t *testing.T) {
	ctx := context.Background()
	service, provider, storage, _ := newTestService(t)

	require.NoError(t, storage.SaveSession(ctx, &models.MessagingSession{
		TenantID:       testTenant,
		AuthState:      models.AuthReady,
		CredentialBlob: []byte(pairedDevice),
		UpdatedAt:      time.Now(),
	}))

	result, err := service.Initialize(ctx, testTenant)
	require.NoError(t, err)
	assert.True(t, result.Ready)
	assert.Equal(t, []byte(pairedDevice), provider.client(testTenant).credential)
}

func TestRestoreAllReconnectsStoredSessions(t *testing.T) {
	ctx := context.Background()
	service, _, storage, _ := newTestService(t)

	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		require.NoError(t, storage.SaveSession(ctx, &models.MessagingSession{
			TenantID:       tenant,
			AuthState:      models.AuthReady,
			CredentialBlob: []byte(pairedDevice),
			UpdatedAt:      time.Now(),
		}))
	}
	require.NoError(t, storage.SaveSession(ctx, &models.MessagingSession{
		TenantID:  "tenant-never-paired",
		AuthState: models.AuthPairing,
		UpdatedAt: time.Now(),
	}))

	require.NoError(t, service.RestoreAll(ctx))
	assert.True(t, service.IsSessionActive("tenant-a"))
	assert.True(t, service.IsSessionActive("tenant-b"))
	assert.Equal(t, models.AuthUninitialized, service.SessionState("tenant-never-paired"))
}

func TestSendFailsFastWhenSessionNotReady(t *testing.T) {
	ctx := context.Background()
	service, provider, _, _ := newTestService(t)
	path := writeDocument(t)

	// Unknown tenant
	err := service.Send(ctx, testPhone, "hola", path, testTenant)
	assert.ErrorIs(t, err, models.ErrSessionNotReady)

	client := readySession(t, service, provider)
	client.handler(Event{Type: EventDisconnected})
	assert.Equal(t, models.AuthDisconnected, service.SessionState(testTenant))

	err = service.Send(ctx, testPhone, "hola", path, testTenant)
	assert.ErrorIs(t, err, models.ErrSessionNotReady)

	_, err = service.IsRecipientReachable(ctx, testPhone, testTenant)
	assert.ErrorIs(t, err, models.ErrSessionNotReady)

	assert.Zero(t, client.sendCalls.Load())
	assert.Zero(t, client.lookupCalls.Load())

	// Reconnect makes it ready again
	client.handler(Event{Type: EventConnected})
	require.NoError(t, service.Send(ctx, testPhone, "hola", path, testTenant))
	assert.Equal(t, int32(1), client.sendCalls.Load())
}

func TestSendsAreSerializedInSubmissionOrder(t *testing.T) {
	service, provider, _, _ := newTestService(t)
	provider.prepare = func(c *fakeClient) { c.sendGate = make(chan struct{}) }
	client := readySession(t, service, provider)
	session, ok := service.sessions.get(testTenant)
	require.True(t, ok)
	path := writeDocument(t)

	phones := []string{"5493510000001", "5493510000002", "5493510000003", "5493510000004"}
	var wg sync.WaitGroup
	for i, phone := range phones {
		wg.Add(1)
		go func(phone string) {
			defer wg.Done()
			assert.NoError(t, service.Send(context.Background(), phone, "hola", path, testTenant))
		}(phone)

		// Wait until this send holds its ticket before submitting the next one
		require.Eventually(t, func() bool {
			session.sendLock.mu.Lock()
			defer session.sendLock.mu.Unlock()
			return session.sendLock.next == uint64(i+1)
		}, time.Second, time.Millisecond)
	}

	for range phones {
		client.sendGate <- struct{}{}
	}
	wg.Wait()

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, phones, client.sent)
	assert.Equal(t, int32(1), client.maxActive.Load())
}

func TestRecipientValidation(t *testing.T) {
	ctx := context.Background()
	service, provider, _, _ := newTestService(t)
	client := readySession(t, service, provider)

	reachable, err := service.IsRecipientReachable(ctx, "+54 9 351 123-4567", testTenant)
	require.NoError(t, err)
	assert.True(t, reachable)

	reachable, err = service.IsRecipientReachable(ctx, "5493517654321", testTenant)
	require.NoError(t, err)
	assert.False(t, reachable, "unregistered number")

	lookups := client.lookupCalls.Load()
	reachable, err = service.IsRecipientReachable(ctx, "5491112345678", testTenant)
	require.NoError(t, err)
	assert.False(t, reachable, "wrong prefix")
	assert.Equal(t, lookups, client.lookupCalls.Load(), "prefix check must not hit the network")

	err = service.Send(ctx, "5491112345678", "hola", writeDocument(t), testTenant)
	assert.ErrorIs(t, err, models.ErrRecipientUnreachable)
	assert.Zero(t, client.sendCalls.Load())
}

func TestPairingFailureDestroysSession(t *testing.T) {
	ctx := context.Background()
	service, provider, storage, _ := newTestService(t)
	provider.prepare = func(c *fakeClient) { c.failPairing = true }

	_, err := service.Initialize(ctx, testTenant)
	assert.ErrorIs(t, err, models.ErrAuthenticationFailure)

	assert.Equal(t, models.AuthUninitialized, service.SessionState(testTenant))
	_, err = storage.GetSession(ctx, testTenant)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	client := provider.client(testTenant)
	assert.Eventually(t, func() bool { return client.disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)

	// A later Initialize starts over with a fresh client
	provider.prepare = nil
	result, err := service.Initialize(ctx, testTenant)
	require.NoError(t, err)
	assert.True(t, result.PairingRequired())
	assert.Equal(t, 2, provider.created)
}

func TestLogoutRemovesSession(t *testing.T) {
	ctx := context.Background()
	service, provider, storage, _ := newTestService(t)
	client := readySession(t, service, provider)

	require.NoError(t, service.Logout(ctx, testTenant))
	assert.Equal(t, int32(1), client.logoutCalls.Load())
	assert.False(t, service.IsSessionActive(testTenant))

	_, err := storage.GetSession(ctx, testTenant)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	err = service.AwaitReady(ctx, testTenant)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestInitializeTimesOutWithoutChallenge(t *testing.T) {
	service, provider, _, _ := newTestService(t)
	service.config.PairingTimeout = 30 * time.Millisecond
	provider.prepare = func(c *fakeClient) {
		c.handler = func(Event) {} // Never reports anything
	}

	_, err := service.Initialize(context.Background(), testTenant)
	assert.ErrorIs(t, err, models.ErrSessionNotReady)
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "5493511234567", NormalizePhone("+54 9 (351) 123-4567"))
	assert.Equal(t, "", NormalizePhone("n/a"))
}

func TestDefaultCaption(t *testing.T) {
	assert.Equal(t, "Hola Ana, adjunto", DefaultCaption("Hola {name}, adjunto", " Ana "))
}

func TestRenderQR(t *testing.T) {
	png, err := RenderQR(testChallenge, 128)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	url, err := RenderQRDataURL(testChallenge, 128)
	require.NoError(t, err)
	assert.Contains(t, url, "data:image/png;base64,")

	_, err = RenderQR("", 128)
	assert.Error(t, err)
}
