// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package xistsex

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

const containerImage = "xistsex-runtime"

// containerArgs holds the flags that send a subcommand to an Arvados
// container instead of running it locally.
type containerArgs struct {
	local       bool
	projectUUID string
	priority    int
	vcpus       int
	ram         int64
	preemptible bool
}

func (ca *containerArgs) Flags(flags *flag.FlagSet) {
	flags.BoolVar(&ca.local, "local", true, "run on local host (false: run in an arvados container)")
	flags.StringVar(&ca.projectUUID, "project", "", "project `UUID` for containers and output data")
	flags.IntVar(&ca.priority, "priority", 500, "container request priority")
	flags.IntVar(&ca.vcpus, "vcpus", 8, "VCPUs for container")
	flags.Int64Var(&ca.ram, "ram", 8000000000, "RAM bytes for container")
	flags.BoolVar(&ca.preemptible, "preemptible", true, "request preemptible instance")
}

// run runs "xistsex args... inputs..." in a container, with the
// inputs mounted from Keep, and returns the output collection UUID.
func (ca *containerArgs) run(name string, args []string, inputs []string) (string, error) {
	runner, err := ca.runner(name, inputs)
	if err != nil {
		return "", err
	}
	runner.Args = append(append([]string(nil), args...), inputs...)
	return runner.RunContext(context.Background())
}

// runner returns a container runner for the given inputs. Input paths
// are rewritten in place to their container mount points.
func (ca *containerArgs) runner(name string, inputs []string) (*arvadosContainerRunner, error) {
	runner := &arvadosContainerRunner{
		Name:        name,
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: ca.projectUUID,
		RAM:         ca.ram,
		VCPUs:       ca.vcpus,
		Priority:    ca.priority,
		Preemptible: ca.preemptible,
		APIAccess:   true,
	}
	paths := make([]*string, len(inputs))
	for i := range inputs {
		paths[i] = &inputs[i]
	}
	err := runner.TranslatePaths(paths...)
	if err != nil {
		return nil, err
	}
	return runner, nil
}

// containerWatcher wakes its owner whenever the Arvados websocket
// service reports an update to the watched container.
type containerWatcher struct {
	client  *arvados.Client
	updates chan struct{}

	mtx  sync.Mutex
	uuid string
	conn *websocket.Conn
}

type containerEvent struct {
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
}

// watchContainers starts a watcher that stays connected (reconnecting
// as needed) until ctx is done.
func watchContainers(ctx context.Context, client *arvados.Client) *containerWatcher {
	w := &containerWatcher{client: client, updates: make(chan struct{}, 1)}
	go w.run(ctx)
	return w
}

// Watch switches the watched container to uuid.
func (w *containerWatcher) Watch(uuid string) {
	w.mtx.Lock()
	old, conn := w.uuid, w.conn
	w.uuid = uuid
	w.mtx.Unlock()
	if conn == nil || old == uuid {
		return
	}
	if old != "" {
		w.send(conn, "unsubscribe", old)
	}
	if uuid != "" {
		w.send(conn, "subscribe", uuid)
	}
}

func (w *containerWatcher) send(conn *websocket.Conn, method, uuid string) {
	err := websocket.JSON.Send(conn, map[string]interface{}{
		"method": method,
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "=", "update"},
		},
	})
	if err != nil {
		log.Debugf("websocket %s %s: %s", method, uuid, err)
	}
}

func (w *containerWatcher) run(ctx context.Context) {
	for ctx.Err() == nil {
		err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warnf("container event stream: %s", err)
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}

// session connects to the websocket service and relays events until
// the connection fails or ctx is done.
func (w *containerWatcher) session(ctx context.Context) error {
	var cluster arvados.Cluster
	err := w.client.RequestAndDecodeContext(ctx, &cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := url.URL(cluster.Services.Websocket.ExternalURL)
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	wsURL.RawQuery = url.Values{"api_token": {w.client.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return fmt.Errorf("websocket connection error: %w", err)
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	w.mtx.Lock()
	w.conn = conn
	uuid := w.uuid
	w.mtx.Unlock()
	defer func() {
		w.mtx.Lock()
		w.conn = nil
		w.mtx.Unlock()
	}()
	if uuid != "" {
		w.send(conn, "subscribe", uuid)
	}
	for {
		var ev containerEvent
		if err := websocket.JSON.Receive(conn, &ev); err != nil {
			return err
		}
		w.mtx.Lock()
		match := ev.EventType == "update" && ev.ObjectUUID == w.uuid
		w.mtx.Unlock()
		if match {
			select {
			case w.updates <- struct{}{}:
			default:
			}
		}
	}
}

// arvadosContainerRunner runs this program in an Arvados container
// and waits for it to finish, relaying its stderr to the local log.
type arvadosContainerRunner struct {
	Client       *arvados.Client
	Name         string
	OutputName   string
	ProjectUUID  string
	APIAccess    bool
	VCPUs        int
	RAM          int64
	Prog         string // if empty, upload and run /proc/self/exe
	Args         []string
	Mounts       map[string]map[string]interface{}
	Priority     int
	KeepCache    int // cache buffers per VCPU (0 for default)
	Preemptible  bool
	PollInterval time.Duration // 0 for default
}

// RunContext submits the container request and returns the UUID of
// its output collection once the container completes successfully.
// Cancelling ctx cancels the container request.
func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided")
	}
	mounts := map[string]map[string]interface{}{
		"/mnt/output": {"kind": "collection", "writable": true},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	prog := runner.Prog
	if prog == "" {
		uuid, err := runner.uploadExecutable(ctx)
		if err != nil {
			return "", err
		}
		mounts["/mnt/cmd"] = map[string]interface{}{"kind": "collection", "uuid": uuid}
		prog = "/mnt/cmd/xistsex"
	}

	var cr arvados.ContainerRequest
	err := runner.Client.RequestAndDecodeContext(ctx, &cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": runner.containerRequest(append([]string{prog}, runner.Args...), mounts),
	})
	if err != nil {
		return "", fmt.Errorf("error creating container request: %w", err)
	}
	log.WithFields(log.Fields{
		"container_request": cr.UUID,
		"container":         cr.ContainerUUID,
	}).Info("submitted container request")

	if err = runner.wait(ctx, &cr); err != nil {
		return "", err
	}
	var ctr arvados.Container
	err = runner.Client.RequestAndDecodeContext(ctx, &ctr, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	}
	switch {
	case ctr.State != arvados.ContainerStateComplete:
		return "", fmt.Errorf("container %s did not complete: %s", cr.ContainerUUID, ctr.State)
	case ctr.ExitCode != 0:
		return "", fmt.Errorf("container %s exited %d", cr.ContainerUUID, ctr.ExitCode)
	}
	return cr.OutputUUID, nil
}

// containerRequest returns the attributes of a committed container
// request running command with the given mounts.
func (runner *arvadosContainerRunner) containerRequest(command []string, mounts map[string]map[string]interface{}) map[string]interface{} {
	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	keepCache := runner.KeepCache
	if keepCache < 1 {
		keepCache = 2
	}
	var outputName interface{}
	if runner.OutputName != "" {
		outputName = runner.OutputName
	}
	return map[string]interface{}{
		"owner_uuid":      runner.ProjectUUID,
		"name":            runner.Name,
		"container_image": containerImage,
		"command":         command,
		"mounts":          mounts,
		"use_existing":    true,
		"output_path":     "/mnt/output",
		"output_name":     outputName,
		"runtime_constraints": arvados.RuntimeConstraints{
			API:          runner.APIAccess,
			VCPUs:        runner.VCPUs,
			RAM:          runner.RAM,
			KeepCacheRAM: (1 << 26) * int64(keepCache) * int64(runner.VCPUs),
		},
		"scheduling_parameters": arvados.SchedulingParameters{
			Preemptible: runner.Preemptible,
			Partitions:  []string{},
		},
		"environment":         map[string]string{"GOMAXPROCS": strconv.Itoa(runner.VCPUs)},
		"priority":            priority,
		"state":               arvados.ContainerRequestStateCommitted,
		"container_count_max": 1,
	}
}

// wait refreshes cr until it reaches the Final state, copying the
// container's logs meanwhile. If ctx is cancelled first, the request's
// priority is set to 0 and ctx.Err() is returned.
func (runner *arvadosContainerRunner) wait(ctx context.Context, cr *arvados.ContainerRequest) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watcher := watchContainers(wctx, runner.Client)

	interval := runner.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	const logWaitMin, logWaitMax = time.Second, 10 * time.Second
	logWait := logWaitMin
	logTimer := time.NewTimer(logWait)
	defer logTimer.Stop()

	tail := &logTailer{client: runner.Client, requestUUID: cr.UUID}
	state := cr.State
	for cr.State != arvados.ContainerRequestStateFinal {
		watcher.Watch(cr.ContainerUUID)
		tail.Follow(cr.ContainerUUID)
		select {
		case <-ctx.Done():
			runner.cancel(cr.UUID)
			return ctx.Err()
		case <-ticker.C:
			runner.refresh(ctx, cr)
		case <-watcher.updates:
			runner.refresh(ctx, cr)
		case <-logTimer.C:
			if tail.Poll() {
				logWait = logWaitMin
			} else if logWait *= 2; logWait > logWaitMax {
				logWait = logWaitMax
			}
			logTimer.Reset(logWait)
		}
		if cr.State != state {
			log.Infof("container request %s state: %s", cr.UUID, cr.State)
			state = cr.State
		}
	}
	tail.Follow(cr.ContainerUUID)
	tail.Poll()
	return nil
}

func (runner *arvadosContainerRunner) refresh(ctx context.Context, cr *arvados.ContainerRequest) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	var updated arvados.ContainerRequest
	err := runner.Client.RequestAndDecodeContext(ctx, &updated, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
	if err != nil {
		log.Warnf("error getting container request: %s", err)
		return
	}
	*cr = updated
}

func (runner *arvadosContainerRunner) cancel(uuid string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err := runner.Client.RequestAndDecodeContext(ctx, nil, "PATCH", "arvados/v1/container_requests/"+uuid, nil, map[string]interface{}{
		"container_request": map[string]interface{}{"priority": 0},
	})
	if err != nil {
		log.Errorf("error cancelling container request %s: %s", uuid, err)
	}
}

var reCrunchstatRSS = regexp.MustCompile(`mem .* (\d+) rss`)

// logTailer copies new lines of a container's stderr to the local log
// and reports its memory use from crunchstat.
type logTailer struct {
	client        *arvados.Client
	requestUUID   string
	containerUUID string
	offset        map[string]int64
}

// Follow switches to the logs of the given container, starting from
// the beginning if it differs from the current one.
func (t *logTailer) Follow(containerUUID string) {
	if containerUUID != t.containerUUID || t.offset == nil {
		t.containerUUID = containerUUID
		t.offset = map[string]int64{}
	}
}

// Poll copies complete log lines written since the last call and
// reports whether there were any.
func (t *logTailer) Poll() bool {
	if t.containerUUID == "" {
		return false
	}
	got := false
	for _, fnm := range []string{"stderr.txt", "crunchstat.txt"} {
		data, err := t.fetch(fnm)
		if err != nil {
			log.Errorf("error getting log data: %s", err)
			continue
		}
		for {
			eol := bytes.IndexByte(data, '\n')
			if eol < 0 {
				break
			}
			line := string(data[:eol])
			data = data[eol+1:]
			t.offset[fnm] += int64(eol + 1)
			if line == "" {
				continue
			}
			got = true
			if fnm == "stderr.txt" {
				log.WithField("container", t.containerUUID).Info(line)
			} else if m := reCrunchstatRSS.FindStringSubmatch(line); m != nil {
				rss, _ := strconv.ParseInt(m[1], 10, 64)
				log.WithField("container", t.containerUUID).Debugf("rss %.3f GB", float64(rss)/1e9)
			}
		}
	}
	return got
}

// fetch returns the part of the named log file after the current
// offset. A log that does not exist yet is empty.
func (t *logTailer) fetch(fnm string) ([]byte, error) {
	scheme := t.client.Scheme
	if scheme == "" {
		scheme = "https"
	}
	req, err := http.NewRequest("GET", scheme+"://"+t.client.APIHost+"/arvados/v1/container_requests/"+t.requestUUID+"/log/"+t.containerUUID+"/"+fnm, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.offset[fnm]))
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound && t.offset[fnm] == 0,
		resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && t.offset[fnm] > 0:
		return nil, nil
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s: %s", fnm, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// TranslatePaths rewrites each Keep path (a collection UUID or
// portable data hash followed by an optional file path) to the
// corresponding mount point inside the container, adding mounts as
// needed. "" and "-" are left alone.
func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		mnt, ok := runner.Mounts["/mnt/"+collID]
		if !ok {
			mnt = map[string]interface{}{
				"kind": "collection",
			}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts["/mnt/"+collID] = mnt
		}
		*path = "/mnt/" + collID + m[3]
	}
	return nil
}

// executableName is the name of the collection holding this build of
// the program.
func executableName() string {
	return "xistsex " + cmd.Version.String()
}

// uploadExecutable stores the running executable in a collection in
// the runner's project and returns the collection UUID. An existing
// collection with the same name and content hash is reused.
func (runner *arvadosContainerRunner) uploadExecutable(ctx context.Context) (string, error) {
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	sum := fmt.Sprintf("%x", blake2b.Sum256(exe))
	name := executableName()
	if uuid, err := runner.findExecutable(ctx, name, sum); err != nil || uuid != "" {
		return uuid, err
	}

	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, keepclient.New(ac))
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("xistsex", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	if _, err = f.Write(exe); err != nil {
		f.Close()
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	manifest, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecodeContext(ctx, &coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": manifest,
			"name":          name,
			"properties":    map[string]interface{}{"blake2b": sum},
		},
	})
	if err != nil {
		return "", err
	}
	log.Infof("stored executable in new collection %s (%q)", coll.UUID, name)
	return coll.UUID, nil
}

// findExecutable returns the UUID of a collection in the runner's
// project with the given name and blake2b property, or "" if there
// is none.
func (runner *arvadosContainerRunner) findExecutable(ctx context.Context, name, sum string) (string, error) {
	var found arvados.CollectionList
	err := runner.Client.RequestAndDecodeContext(ctx, &found, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: name},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: sum},
		},
	})
	if err != nil {
		return "", err
	}
	if len(found.Items) == 0 {
		return "", nil
	}
	log.Infof("using executable in existing collection %s (%q)", found.Items[0].UUID, name)
	return found.Items[0].UUID, nil
}
