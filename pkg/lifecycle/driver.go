// Package lifecycle implements the Instance Lifecycle Driver: per build,
// render descriptors, provision storage and a domain on the assigned
// hypervisor, wait for the guest to phone home, run build steps over SSH,
// and tear down on every exit path (spec §4.F).
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/GaretJax/ipd/pkg/hypervisor"
	"github.com/GaretJax/ipd/pkg/ipderrors"
	"github.com/GaretJax/ipd/pkg/log"
	"github.com/GaretJax/ipd/pkg/metrics"
	"github.com/GaretJax/ipd/pkg/sshchannel"
	"github.com/GaretJax/ipd/pkg/storage"
	"github.com/GaretJax/ipd/pkg/types"
)

const storagePoolName = "ipd-images"

// Config bundles the per-process settings the driver needs: bounded waits,
// the scheduler's SSH identity, and the on-disk descriptor templates
// (§6 "Configured inputs", §5 "No timeouts in the source" resolution).
type Config struct {
	Templates          *TemplateStore
	SSHSigner          ssh.Signer
	SSHUser            string
	PhoneHomeTimeout   time.Duration
	SSHConnectTimeout  time.Duration
	PhoneHomePollEvery time.Duration
}

// DialHypervisor and DialSSH are indirections over hypervisor.Dial and
// sshchannel.Dial so tests can substitute fakes without touching the
// network.
type DialHypervisor func(ep types.HypervisorEndpoint) (hypervisor.Client, error)
type DialSSH func(ctx context.Context, addr, user string, signer ssh.Signer, hostKey ssh.PublicKey, timeout time.Duration) (sshchannel.Channel, error)

// Driver runs one build's lifecycle to completion.
type Driver struct {
	store storage.Store
	cfg   Config

	dialHypervisor DialHypervisor
	dialSSH        DialSSH

	logger zerolog.Logger
}

// NewDriver builds a Driver over store using the real hypervisor/SSH
// dialers. Use WithDialers to substitute fakes in tests.
func NewDriver(store storage.Store, cfg Config) *Driver {
	if cfg.SSHUser == "" {
		cfg.SSHUser = "ubuntu"
	}
	if cfg.PhoneHomeTimeout == 0 {
		cfg.PhoneHomeTimeout = 5 * time.Minute
	}
	if cfg.SSHConnectTimeout == 0 {
		cfg.SSHConnectTimeout = 30 * time.Second
	}
	if cfg.PhoneHomePollEvery == 0 {
		cfg.PhoneHomePollEvery = time.Second
	}
	return &Driver{
		store: store,
		cfg:   cfg,
		dialHypervisor: func(ep types.HypervisorEndpoint) (hypervisor.Client, error) {
			return hypervisor.Dial(ep)
		},
		dialSSH: sshchannel.Dial,
		logger:  log.WithComponent("lifecycle"),
	}
}

// WithDialers overrides the hypervisor/SSH dial functions, for tests.
func (d *Driver) WithDialers(hv DialHypervisor, sshDialer DialSSH) *Driver {
	if hv != nil {
		d.dialHypervisor = hv
	}
	if sshDialer != nil {
		d.dialSSH = sshDialer
	}
	return d
}

// Run drives buildID's lifecycle on the hypervisor ep. ctx, when cancelled,
// aborts at the next suspension point (phone-home poll or SSH dial/exec);
// on cancellation the driver still attempts teardown before returning
// (§5 "Individual build cancellation").
func (d *Driver) Run(ctx context.Context, buildID int64, ep types.HypervisorEndpoint) error {
	timer := metrics.NewTimer()
	logger := d.logger.With().Int64("build_id", buildID).Str("hypervisor", ep.Key).Logger()

	build, err := d.loadBuild(buildID)
	if err != nil {
		return d.fail(buildID, err)
	}

	var spec types.Buildspec
	if err := yaml.Unmarshal([]byte(build.Buildspec), &spec); err != nil {
		// The buildspec parsed fine at admission (scheduler.ScheduleBuild);
		// a failure here means the stored record itself is corrupt, not that
		// a base descriptor is missing, so this is a Store-kind failure, not
		// DomainNotFound.
		return d.fail(buildID, ipderrors.Wrap(ipderrors.KindStore, storage.BuildKey(buildID), err))
	}

	tmpl, err := d.cfg.Templates.Load(spec.BaseDomain)
	if err != nil {
		return d.fail(buildID, err)
	}

	name := fmt.Sprintf("%s-%d", build.ProjectKey, buildID)
	vncPasswd, err := GenerateVNCPassword()
	if err != nil {
		return d.fail(buildID, err)
	}

	domXML, err := RenderDomainXML(tmpl.DomainXML, DomainParams{Name: name, VolumeName: name, VNCPasswd: vncPasswd})
	if err != nil {
		return d.fail(buildID, err)
	}
	volXML, err := RenderVolumeXML(tmpl.VolumeXML, VolumeParams{Name: name})
	if err != nil {
		return d.fail(buildID, err)
	}

	if err := d.store.HMSet(storage.BuildKey(buildID), map[string]string{"status": string(types.BuildRunning)}); err != nil {
		return d.fail(buildID, err)
	}

	client, err := d.dialHypervisor(ep)
	if err != nil {
		return d.fail(buildID, err)
	}
	defer client.Close()

	pool, err := d.ensurePool(client)
	if err != nil {
		return d.fail(buildID, err)
	}

	vol, err := client.StorageVolCreateXML(pool, volXML)
	if err != nil {
		return d.fail(buildID, err)
	}

	dom, err := client.DomainCreateXML(domXML)
	if err != nil {
		client.StorageVolDelete(vol)
		return d.fail(buildID, err)
	}

	// From here on, any failure must tear the domain + volume down before
	// the hypervisor slot goes back to the pool (§4.F "Error handling").
	teardown := func() {
		if err := client.DomainDestroy(dom); err != nil {
			logger.Warn().Err(err).Msg("domain destroy failed during teardown")
		}
		if err := client.DomainUndefine(dom); err != nil {
			logger.Warn().Err(err).Msg("domain undefine failed during teardown")
		}
		if err := client.StorageVolDelete(vol); err != nil {
			logger.Warn().Err(err).Msg("volume delete failed during teardown")
		}
	}

	xmlDesc, err := client.DomainGetXMLDesc(dom)
	if err != nil {
		teardown()
		return d.fail(buildID, err)
	}
	uuid, mac, vncPort, err := ParseDomainDesc(xmlDesc)
	if err != nil {
		teardown()
		return d.fail(buildID, err)
	}

	instanceKey := storage.InstanceKey(uuid)
	phase1 := types.InstanceRecord{Hypervisor: ep.Key, MACAddress: mac, VNCPort: vncPort, VNCPasswd: vncPasswd}
	if err := d.store.HMSet(instanceKey, phase1.Phase1Fields()); err != nil {
		teardown()
		return d.fail(buildID, err)
	}

	phoneHomeTimer := metrics.NewTimer()
	if err := d.awaitPhoneHome(ctx, instanceKey); err != nil {
		teardown()
		return d.fail(buildID, err)
	}
	phoneHomeTimer.ObserveDuration(metrics.PhoneHomeWaitDuration)

	fields, err := d.store.HGetAll(instanceKey)
	if err != nil {
		teardown()
		return d.fail(buildID, err)
	}
	record := types.ParseInstanceRecord(fields)
	if !record.Running() {
		teardown()
		return d.fail(buildID, ipderrors.New(ipderrors.KindStore, instanceKey+": status=running without ip_address/pub_key"))
	}

	hostKey, err := firstPubKey(record.PubKeys)
	if err != nil {
		teardown()
		return d.fail(buildID, err)
	}

	addr := record.IPAddress + ":22"
	channel, err := d.dialSSH(ctx, addr, d.cfg.SSHUser, d.cfg.SSHSigner, hostKey, d.cfg.SSHConnectTimeout)
	if err != nil {
		teardown()
		return d.fail(buildID, err)
	}
	defer channel.Disconnect()

	for _, step := range spec.Steps() {
		if err := ctx.Err(); err != nil {
			teardown()
			return d.fail(buildID, ipderrors.Wrap(ipderrors.KindCancelled, name, err))
		}
		stepTimer := metrics.NewTimer()
		_, status, err := channel.ExecCommand(step)
		stepTimer.ObserveDuration(metrics.SSHCommandDuration)
		if err != nil {
			teardown()
			return d.fail(buildID, err)
		}
		if status != 0 {
			teardown()
			return d.fail(buildID, ipderrors.New(ipderrors.KindSSH, fmt.Sprintf("%s: exit %d", step, status)))
		}
	}

	if err := d.store.HMSet(storage.BuildKey(buildID), map[string]string{"status": string(types.BuildDone)}); err != nil {
		return err
	}
	timer.ObserveDuration(metrics.BuildDuration)
	metrics.BuildsTotal.WithLabelValues(string(types.BuildDone)).Inc()
	logger.Info().Dur("elapsed", timer.Duration()).Msg("build completed")
	return nil
}

func (d *Driver) loadBuild(buildID int64) (types.Build, error) {
	fields, err := d.store.HGetAll(storage.BuildKey(buildID))
	if err != nil {
		return types.Build{}, err
	}
	if len(fields) == 0 {
		return types.Build{}, ipderrors.New(ipderrors.KindNotFound, fmt.Sprintf("build:%d", buildID))
	}
	return types.Build{
		ID:         buildID,
		ProjectKey: fields["project_key"],
		CommitID:   fields["commit_id"],
		Status:     types.BuildStatus(fields["status"]),
		Buildspec:  fields["buildspec"],
	}, nil
}

func (d *Driver) ensurePool(client hypervisor.Client) (hypervisor.StoragePool, error) {
	pool, err := client.StoragePoolLookupByName(storagePoolName)
	if err == nil {
		return pool, nil
	}
	if !errorIsRemote(err) {
		return hypervisor.StoragePool{}, err
	}
	poolXML, err := d.cfg.Templates.PoolXML()
	if err != nil {
		return hypervisor.StoragePool{}, err
	}
	return client.StoragePoolCreateXML(poolXML)
}

func errorIsRemote(err error) bool {
	_, ok := ipderrors.As(err, ipderrors.KindRemote)
	return ok
}

// awaitPhoneHome polls the rendezvous hash for status=running once per
// PhoneHomePollEvery, bounded by PhoneHomeTimeout and ctx (§4.F step 11).
func (d *Driver) awaitPhoneHome(ctx context.Context, instanceKey string) error {
	deadline := time.After(d.cfg.PhoneHomeTimeout)
	ticker := time.NewTicker(d.cfg.PhoneHomePollEvery)
	defer ticker.Stop()

	for {
		status, ok, err := d.store.HGet(instanceKey, "status")
		if err != nil {
			return err
		}
		if ok && status == "running" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ipderrors.Wrap(ipderrors.KindCancelled, instanceKey, ctx.Err())
		case <-deadline:
			return ipderrors.New(ipderrors.KindTimeout, instanceKey)
		case <-ticker.C:
		}
	}
}

func firstPubKey(pubKeys map[string]string) (ssh.PublicKey, error) {
	for _, value := range pubKeys {
		return sshchannel.ParseAuthorizedKey(value)
	}
	return nil, ipderrors.New(ipderrors.KindSSH, "no pub_key_ field in rendezvous record")
}

func (d *Driver) fail(buildID int64, cause error) error {
	if err := d.store.HMSet(storage.BuildKey(buildID), map[string]string{"status": string(types.BuildFailed)}); err != nil {
		d.logger.Error().Err(err).Int64("build_id", buildID).Msg("failed to record build failure")
	}
	metrics.BuildsTotal.WithLabelValues(string(types.BuildFailed)).Inc()
	d.logger.Error().Err(cause).Int64("build_id", buildID).Msg("build failed")
	return cause
}
