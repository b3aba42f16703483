package metadata

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaretJax/ipd/pkg/hypervisor"
	"github.com/GaretJax/ipd/pkg/storage"
	"github.com/GaretJax/ipd/pkg/types"
)

const testPubKeyLine = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABgQC test-key"

func newTestServer(t *testing.T) (*Server, *hypervisor.Fake) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "ipd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := hypervisor.NewFake()
	fake.NextDomainUUID = "00000000-0000-0000-0000-000000000001"
	_, err = fake.DomainCreateXML("") // seed one domain so lookups succeed
	require.NoError(t, err)

	srv := NewServer(store, []types.HypervisorEndpoint{{Key: "hv1"}}, testPubKeyLine)
	srv.dial = func(ep types.HypervisorEndpoint) (hypervisor.Client, error) { return fake, nil }
	return srv, fake
}

// identityHeaders injects the undashed hex X-Instance-ID a real hypervisor
// redirector sends (§4.G), distinct from the dashed form the domain lookup
// and the rendezvous store key carry, so a regression collapsing the two
// representations back to the header's raw bytes would fail these tests.
func identityHeaders(req *http.Request) {
	req.Header.Set("X-Tenant-ID", "hv1")
	req.Header.Set("X-Instance-ID", "00000000000000000000000000000001")
}

func TestEC2RootListsVersionsAndLatest(t *testing.T) {
	srv, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	body := w.Body.String()
	assert.Contains(t, body, "2009-04-04/")
	assert.Contains(t, body, "latest/")
}

func TestEC2HostnameAndInstanceID(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/2009-04-04/meta-data/hostname", nil)
	identityHeaders(req)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fake-domain", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/latest/meta-data/instance-id", nil)
	identityHeaders(req)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	// The response echoes the domain's canonical dashed UUID, not the
	// undashed hex the X-Instance-ID header carried in (§4.G).
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", w.Body.String())
}

func TestEC2OpenSSHKeyRoundTripsWithOpenStack(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/2009-04-04/meta-data/public-keys/0/openssh-key", nil)
	identityHeaders(req)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testPubKeyLine, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/openstack/2012-08-10/meta_data.json", nil)
	identityHeaders(req)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var doc openstackMetaData
	require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
	assert.Equal(t, testPubKeyLine, doc.PublicKeys["ipd"], "openstack public key must match the EC2 leaf byte-for-byte")
}

func TestPhoneHomeWritesRendezvousRecord(t *testing.T) {
	srv, _ := newTestServer(t)

	form := url.Values{
		"instance_id": {"U"},
		"hostname":    {"demo-1"},
		"pub_key_rsa": {" ssh-rsa AAAA... "},
	}
	req := httptest.NewRequest(http.MethodPost, "/instancedata", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-For", "10.0.0.9")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/instancedata/U", nil)
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, req2)

	var record map[string]string
	require.NoError(t, json.NewDecoder(w2.Body).Decode(&record))
	assert.Equal(t, "running", record["status"])
	assert.Equal(t, "10.0.0.9", record["ip_address"])
	assert.Equal(t, "ssh-rsa AAAA...", record["pub_key_rsa"])
}

func TestPhoneHomeWithNosetipOmitsIPAddress(t *testing.T) {
	srv, _ := newTestServer(t)

	form := url.Values{
		"instance_id": {"U2"},
		"hostname":    {"demo-2"},
		"nosetip":     {"1"},
	}
	req := httptest.NewRequest(http.MethodPost, "/instancedata", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-For", "10.0.0.9")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/instancedata/U2", nil)
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, req2)

	var record map[string]string
	require.NoError(t, json.NewDecoder(w2.Body).Decode(&record))
	_, hasIP := record["ip_address"]
	assert.False(t, hasIP)
}

func TestLatestAliasPicksLexicographicallyGreatest(t *testing.T) {
	assert.Equal(t, "2009-04-04", latestVersion([]string{"2009-04-04"}))
	assert.Equal(t, "2012-08-10", latestVersion([]string{"2009-04-04", "2012-08-10"}))
}
