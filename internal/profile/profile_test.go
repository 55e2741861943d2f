package profile

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merosslink/pkg/clock"
	"merosslink/pkg/meross"
)

const (
	testProfileID = "4321098"
	testKey       = "profilekey"
	testToken     = "token-abc"
)

// cloudServer fakes the vendor cloud API.
type cloudServer struct {
	t *testing.T

	mu        sync.Mutex
	devices   []meross.DeviceInfo
	apiStatus int
	logouts   int
	calls     map[string]int

	srv *httptest.Server
}

func newCloudServer(t *testing.T) *cloudServer {
	s := &cloudServer{t: t, calls: map[string]int{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *cloudServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[r.URL.Path]++

	var body struct {
		Params string `json:"params"`
	}
	require.NoError(s.t, json.NewDecoder(r.Body).Decode(&body))
	_, err := base64.StdEncoding.DecodeString(body.Params)
	require.NoError(s.t, err, "params must be base64")

	reply := map[string]any{"apiStatus": s.apiStatus, "info": ""}
	switch r.URL.Path {
	case "/v1/Device/devList":
		if s.apiStatus == 0 {
			reply["data"] = s.devices
		}
	case "/v1/Profile/logout":
		s.logouts++
		reply["data"] = map[string]any{}
	default:
		reply["data"] = []any{}
	}
	require.NoError(s.t, json.NewEncoder(w).Encode(reply))
}

func (s *cloudServer) callCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func newTestProfile(t *testing.T, cloud *cloudServer, opts Options) (*Profile, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1700000000, 0))
	opts.ID = testProfileID
	opts.Key = testKey
	if opts.APIBase == "" && cloud != nil {
		opts.APIBase = cloud.srv.URL
	}
	opts.Clock = fake
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, fake
}

func TestProfileGeneratesAppID(t *testing.T) {
	p, _ := newTestProfile(t, nil, Options{})
	assert.Len(t, p.AppID(), 32)
}

func TestProfilePersistsState(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p, _ := newTestProfile(t, nil, Options{Store: store, Token: testToken})
	appID := p.AppID()
	p.flushSave()

	st, err := store.LoadProfile(testProfileID)
	require.NoError(t, err)
	assert.Equal(t, appID, st.AppID)
	assert.Equal(t, testToken, st.Token)

	// A second profile instance picks up the persisted identity.
	p2, err := New(Options{ID: testProfileID, Key: testKey, Store: store})
	require.NoError(t, err)
	t.Cleanup(p2.Close)
	assert.Equal(t, appID, p2.AppID())
}

func TestInventoryRefreshSkipsWithoutPublish(t *testing.T) {
	cloud := newCloudServer(t)
	cloud.devices = []meross.DeviceInfo{{
		UUID:       "aaaa0000aaaa0000aaaa0000aaaa0000",
		DeviceType: "mss310",
		Domain:     "mqtt-eu.meross.com",
	}}

	p, fake := newTestProfile(t, cloud, Options{Token: testToken, AllowPublish: false})
	p.Start(context.Background())
	fake.Advance(0)

	assert.Equal(t, 1, cloud.callCount("/v1/Device/devList"))
	_, ok := p.DeviceInfo("aaaa0000aaaa0000aaaa0000aaaa0000")
	assert.True(t, ok, "inventory cached")
	assert.Empty(t, p.conns, "publish disabled, no broker connection is made")
}

func TestInventoryRefreshStartsDiscovery(t *testing.T) {
	cloud := newCloudServer(t)
	cloud.devices = []meross.DeviceInfo{{
		UUID:           "aaaa0000aaaa0000aaaa0000aaaa0000",
		DeviceType:     "mss310",
		Domain:         "broker-a.invalid:1",
		ReservedDomain: "broker-a.invalid:1",
	}}

	p, fake := newTestProfile(t, cloud, Options{Token: testToken, AllowPublish: true})
	p.Start(context.Background())
	fake.Advance(0)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.conns, 1, "reserved domain equals primary, one connection")
	for _, c := range p.conns {
		c.mu.Lock()
		assert.Contains(t, c.discoveries, "aaaa0000aaaa0000aaaa0000aaaa0000")
		c.mu.Unlock()
	}
}

func TestTokenInvalidationDropsToken(t *testing.T) {
	cloud := newCloudServer(t)
	cloud.apiStatus = 1019

	p, fake := newTestProfile(t, cloud, Options{Token: testToken})
	p.Start(context.Background())
	fake.Advance(0)

	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	assert.Empty(t, token, "token-error status drops the stored token")

	// With no token the next refresh is a no-op.
	fake.Advance(inventoryPeriod)
	assert.Equal(t, 1, cloud.callCount("/v1/Device/devList"))
}

func TestUpdateTokenLogsOutOldAndQueries(t *testing.T) {
	cloud := newCloudServer(t)

	p, fake := newTestProfile(t, cloud, Options{Token: testToken})
	p.Start(context.Background())
	fake.Advance(0)
	require.Equal(t, 1, cloud.callCount("/v1/Device/devList"))

	// Make the inventory stale, then rotate credentials.
	fake.Advance(inventoryPeriod / 2)
	p.mu.Lock()
	p.deviceInfoTime = fake.Now().Add(-2 * inventoryPeriod).Unix()
	p.mu.Unlock()

	p.UpdateToken("token-new")
	require.Eventually(t, func() bool {
		return cloud.callCount("/v1/Profile/logout") == 1
	}, 2*time.Second, 10*time.Millisecond, "old token logged out")

	fake.Advance(0)
	assert.Equal(t, 2, cloud.callCount("/v1/Device/devList"), "stale inventory refreshed immediately")
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	st := &State{
		AppID: "0123456789abcdef0123456789abcdef",
		Token: "tok",
		DeviceInfo: map[string]meross.DeviceInfo{
			"dev1": {UUID: "dev1", DeviceType: "mss310", Domain: "broker:443"},
		},
		DeviceInfoTime: 1700000000,
	}
	require.NoError(t, store.SaveProfile("p1", st))

	loaded, err := store.LoadProfile("p1")
	require.NoError(t, err)
	assert.Equal(t, st, loaded)

	empty, err := store.LoadProfile("absent")
	require.NoError(t, err)
	assert.Empty(t, empty.AppID)
	assert.NotNil(t, empty.DeviceInfo)
}

func TestStoreDescriptor(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	payload := map[string]any{
		"all":     map[string]any{"system": map[string]any{}},
		"ability": map[string]any{"Appliance.System.All": map[string]any{}},
	}
	require.NoError(t, store.SaveDescriptor("dev1", payload))

	loaded, err := store.LoadDescriptor("dev1")
	require.NoError(t, err)
	assert.Equal(t, payload, loaded)

	missing, err := store.LoadDescriptor("absent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
