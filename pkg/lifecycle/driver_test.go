package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/GaretJax/ipd/pkg/hypervisor"
	"github.com/GaretJax/ipd/pkg/sshchannel"
	"github.com/GaretJax/ipd/pkg/storage"
	"github.com/GaretJax/ipd/pkg/types"
)

func seedTemplates(t *testing.T) *TemplateStore {
	t.Helper()
	workdir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, "domains"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, "volumes"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, "base-vm"), 0755))

	domTmpl := `<domain><name>{{.Name}}</name><devices><disk><source volume='{{.VolumeName}}'/></disk><graphics passwd='{{.VNCPasswd}}'/></devices></domain>`
	volTmpl := `<volume><name>{{.Name}}</name></volume>`
	poolTmpl := `<pool><name>ipd-images</name></pool>`

	require.NoError(t, os.WriteFile(filepath.Join(workdir, "domains", "ubuntu.xml"), []byte(domTmpl), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "volumes", "ubuntu.xml"), []byte(volTmpl), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "base-vm", "pool.xml"), []byte(poolTmpl), 0644))

	return NewTemplateStore(workdir)
}

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return signer
}

func TestDriverRunHappyPath(t *testing.T) {
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "ipd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.HMSet(storage.BuildKey(1), map[string]string{
		"project_key": "demo",
		"commit_id":   "abc",
		"status":      "waiting",
		"buildspec":   "base_domain: ubuntu\ninstall:\n  - uname -a\nstart:\n  - mkdir -p /srv\n",
	}))

	const uuid = "00000000-0000-0000-0000-000000000001"
	signer := testSigner(t)
	guestLine := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))

	require.NoError(t, store.HMSet(storage.InstanceKey(uuid), map[string]string{
		"status":      "running",
		"ip_address":  "10.0.0.5",
		"hostname":    "demo-1",
		"pub_key_rsa": guestLine,
	}))

	fakeHV := hypervisor.NewFake()
	fakeHV.NextDomainUUID = uuid
	fakeHV.NextMAC = "52:54:00:aa:bb:cc"

	fakeSSH := sshchannel.NewFake()

	driver := NewDriver(store, Config{
		Templates:          seedTemplates(t),
		SSHSigner:          testSigner(t),
		PhoneHomeTimeout:   time.Second,
		SSHConnectTimeout:  time.Second,
		PhoneHomePollEvery: 10 * time.Millisecond,
	}).WithDialers(
		func(ep types.HypervisorEndpoint) (hypervisor.Client, error) { return fakeHV, nil },
		func(ctx context.Context, addr, user string, signer ssh.Signer, hostKey ssh.PublicKey, timeout time.Duration) (sshchannel.Channel, error) {
			return fakeSSH, nil
		},
	)

	err = driver.Run(context.Background(), 1, types.HypervisorEndpoint{Key: "hv1", Address: "10.0.0.1", Port: 16509})
	require.NoError(t, err)

	fields, err := store.HGetAll(storage.BuildKey(1))
	require.NoError(t, err)
	assert.Equal(t, "done", fields["status"])

	assert.Equal(t, []string{"uname -a", "mkdir -p /srv"}, fakeSSH.Commands)
	assert.True(t, fakeSSH.Disconnected)
	assert.True(t, fakeHV.Closed)
}

func TestDriverRunFailsOnMissingBaseDomain(t *testing.T) {
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "ipd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.HMSet(storage.BuildKey(1), map[string]string{
		"project_key": "demo",
		"commit_id":   "abc",
		"status":      "waiting",
		"buildspec":   "base_domain: centos\n",
	}))

	fakeHV := hypervisor.NewFake()
	driver := NewDriver(store, Config{
		Templates: seedTemplates(t),
		SSHSigner: testSigner(t),
	}).WithDialers(
		func(ep types.HypervisorEndpoint) (hypervisor.Client, error) { return fakeHV, nil },
		nil,
	)

	err = driver.Run(context.Background(), 1, types.HypervisorEndpoint{Key: "hv1"})
	require.Error(t, err)

	fields, err := store.HGetAll(storage.BuildKey(1))
	require.NoError(t, err)
	assert.Equal(t, "failed", fields["status"])

	domains, err := fakeHV.ListAllDomains()
	require.NoError(t, err)
	assert.Empty(t, domains, "no domain should be created when the base descriptor is missing")
}
