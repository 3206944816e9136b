package storage

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	mu             sync.Mutex
	token          string
	silentCalls    int
	interactCalls  int
	silentErr      error
	interactiveErr error
}

func (a *fakeAuth) AccessToken(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == "" {
		return "", common.ErrAuthExpired
	}
	return a.token, nil
}

func (a *fakeAuth) SilentRefresh(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.silentCalls++
	if a.silentErr != nil {
		return "", a.silentErr
	}
	a.token = "silent-token"
	return a.token, nil
}

func (a *fakeAuth) Interactive(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interactCalls++
	if !IsUserGesture(ctx) {
		return "", common.ErrAuthExpired
	}
	if a.interactiveErr != nil {
		return "", a.interactiveErr
	}
	a.token = "interactive-token"
	return a.token, nil
}

// fakeDrive is an in-memory Drive-style REST server.
type fakeDrive struct {
	mu        sync.Mutex
	files     map[string]*driveEntry
	folders   map[string]string
	nextID    int
	status    int // forced status for every request when non-zero
	validAuth map[string]bool
	requests  []string
}

type driveEntry struct {
	name     string
	parent   string
	content  []byte
	modified time.Time
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		files:     map[string]*driveEntry{},
		folders:   map[string]string{},
		validAuth: map[string]bool{"tok": true, "silent-token": true, "interactive-token": true},
	}
}

func (d *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, r.Method+" "+r.URL.Path)

	if d.status != 0 {
		http.Error(w, "forced", d.status)
		return
	}
	if !d.validAuth[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")] {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/drive/files":
		d.list(w, r)
	case r.Method == http.MethodPost && path == "/drive/files":
		var meta map[string]string
		_ = json.NewDecoder(r.Body).Decode(&meta)
		d.nextID++
		id := "folder-" + strconv.Itoa(d.nextID)
		d.folders[meta["name"]] = id
		_ = json.NewEncoder(w).Encode(DriveFile{ID: id, Name: meta["name"]})
	case r.Method == http.MethodPost && path == "/upload/files":
		d.create(w, r)
	case r.Method == http.MethodPatch && strings.HasPrefix(path, "/upload/files/"):
		f, ok := d.files[strings.TrimPrefix(path, "/upload/files/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		f.content, _ = io.ReadAll(r.Body)
		f.modified = f.modified.Add(time.Second)
		_ = json.NewEncoder(w).Encode(DriveFile{ID: strings.TrimPrefix(path, "/upload/files/"), Name: f.name, ModifiedTime: f.modified})
	case strings.HasPrefix(path, "/drive/files/"):
		id := strings.TrimPrefix(path, "/drive/files/")
		f, ok := d.files[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch {
		case r.Method == http.MethodDelete:
			delete(d.files, id)
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Query().Get("alt") == "media":
			_, _ = w.Write(f.content)
		default:
			_ = json.NewEncoder(w).Encode(DriveFile{ModifiedTime: f.modified})
		}
	default:
		http.Error(w, "unexpected", http.StatusTeapot)
	}
}

func (d *fakeDrive) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	var out []DriveFile
	if strings.Contains(q, folderMimeType) {
		for name, id := range d.folders {
			if strings.Contains(q, "name = '"+name+"'") {
				out = append(out, DriveFile{ID: id, Name: name})
			}
		}
	} else {
		for id, f := range d.files {
			if strings.Contains(q, "'"+f.parent+"' in parents") {
				out = append(out, DriveFile{ID: id, Name: f.name, ModifiedTime: f.modified})
			}
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"files": out})
}

func (d *fakeDrive) create(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var meta struct {
		Name    string   `json:"name"`
		Parents []string `json:"parents"`
	}
	_ = json.NewDecoder(metaPart).Decode(&meta)

	dataPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	content, _ := io.ReadAll(dataPart)

	d.nextID++
	id := "file-" + strconv.Itoa(d.nextID)
	parent := ""
	if len(meta.Parents) > 0 {
		parent = meta.Parents[0]
	}
	d.files[id] = &driveEntry{name: meta.Name, parent: parent, content: content, modified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	_ = json.NewEncoder(w).Encode(DriveFile{ID: id, Name: meta.Name, ModifiedTime: d.files[id].modified})
}

func (d *fakeDrive) count(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func newCloud(t *testing.T, drive *fakeDrive, auth Authenticator, queue Enqueuer) (*CloudProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(drive)
	t.Cleanup(srv.Close)
	client := NewDriveClient(srv.Client(), srv.URL+"/drive", srv.URL+"/upload")
	p := NewCloudProvider(client, auth, NewConfigStore(newMemKV()), queue, CloudOptions{FolderName: "Podsync"}, logging.Nop())
	return p, srv
}

func TestCloud_CreateWriteReadList(t *testing.T) {
	drive := newFakeDrive()
	p, _ := newCloud(t, drive, &fakeAuth{token: "tok"}, nil)
	ctx := context.Background()

	assert.False(t, p.IsReady(ctx))

	f, err := p.CreateFile(ctx, "family.pod.json")
	require.NoError(t, err)
	assert.Equal(t, "family.pod.json", f.Name)
	assert.True(t, p.IsReady(ctx))

	got, err := p.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "fresh file reads as empty")

	before, err := p.LastModified(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Write(ctx, []byte(`{"version":"1.0"}`)))
	got, err = p.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"version":"1.0"}`, string(got))

	after, err := p.LastModified(ctx)
	require.NoError(t, err)
	assert.True(t, after.After(before))

	files, err := p.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, f.ID, files[0].ID)
	assert.Equal(t, 1, drive.count("POST /drive/files"), "folder created once")

	require.NoError(t, p.DeleteFile(ctx))
	assert.False(t, p.IsReady(ctx))
}

func TestCloud_WriteWithoutFileIsNotConfigured(t *testing.T) {
	p, _ := newCloud(t, newFakeDrive(), &fakeAuth{token: "tok"}, nil)
	require.ErrorIs(t, p.Write(context.Background(), []byte("x")), common.ErrNotConfigured)
}

func TestCloud_401RefreshesSilentlyThenInteractively(t *testing.T) {
	drive := newFakeDrive()
	drive.status = http.StatusUnauthorized
	auth := &fakeAuth{token: "tok"}
	p, _ := newCloud(t, drive, auth, nil)
	p.SelectFile("file-1", "pod.json")

	err := p.Write(WithUserGesture(context.Background()), []byte("x"))

	require.ErrorIs(t, err, common.ErrAuthExpired)
	assert.Equal(t, 1, auth.silentCalls)
	assert.Equal(t, 1, auth.interactCalls)
	assert.Equal(t, 3, drive.count("PATCH"), "original call plus one retry per refresh")
}

func TestCloud_401WithoutGestureNeverPrompts(t *testing.T) {
	drive := newFakeDrive()
	drive.status = http.StatusUnauthorized
	auth := &fakeAuth{token: "tok"}
	p, _ := newCloud(t, drive, auth, nil)
	p.SelectFile("file-1", "pod.json")

	err := p.Write(context.Background(), []byte("x"))

	require.ErrorIs(t, err, common.ErrAuthExpired)
	assert.Equal(t, 1, auth.silentCalls)
	assert.Equal(t, 0, auth.interactCalls)
}

func TestCloud_SilentRefreshRecovers(t *testing.T) {
	drive := newFakeDrive()
	delete(drive.validAuth, "tok")
	auth := &fakeAuth{token: "tok"}
	p, _ := newCloud(t, drive, auth, nil)
	ctx := context.Background()

	drive.validAuth["tok"] = true
	_, err := p.CreateFile(ctx, "pod.json")
	require.NoError(t, err)
	delete(drive.validAuth, "tok")

	require.NoError(t, p.Write(ctx, []byte("data")))
	assert.Equal(t, 1, auth.silentCalls)
	assert.Equal(t, 0, auth.interactCalls)
}

func TestCloud_404NeverRefreshes(t *testing.T) {
	drive := newFakeDrive()
	auth := &fakeAuth{token: "tok"}
	p, _ := newCloud(t, drive, auth, nil)
	p.SelectFile("moved-away", "pod.json")

	err := p.Write(WithUserGesture(context.Background()), []byte("x"))

	require.ErrorIs(t, err, common.ErrRemoteNotFound)
	assert.Equal(t, 0, auth.silentCalls)
	assert.Equal(t, 0, auth.interactCalls)

	_, err = p.LastModified(context.Background())
	require.ErrorIs(t, err, common.ErrRemoteNotFound)
}

func TestCloud_OtherStatusIsRemoteError(t *testing.T) {
	drive := newFakeDrive()
	drive.status = http.StatusInternalServerError
	p, _ := newCloud(t, drive, &fakeAuth{token: "tok"}, nil)
	p.SelectFile("file-1", "pod.json")

	err := p.Write(context.Background(), []byte("x"))
	require.ErrorIs(t, err, common.ErrRemoteError)

	var re *common.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusInternalServerError, re.StatusCode)
}

func TestCloud_NetworkFailureQueuesWrite(t *testing.T) {
	queue := &recordingQueue{}
	p, srv := newCloud(t, newFakeDrive(), &fakeAuth{token: "tok"}, queue)
	p.SelectFile("file-1", "pod.json")
	srv.Close()

	payload := []byte(strings.Repeat("p", 500))
	require.NoError(t, p.Write(context.Background(), payload))
	assert.Equal(t, payload, queue.last())

	mod, err := p.LastModified(context.Background())
	require.NoError(t, err, "polling swallows transient failures")
	assert.True(t, mod.IsZero())

	_, err = p.Read(context.Background())
	require.ErrorIs(t, err, common.ErrNetworkUnavailable)
}

func TestCloud_PersistRoundTripsThroughFactory(t *testing.T) {
	kv := newMemKV()
	configs := NewConfigStore(kv)
	drive := newFakeDrive()
	srv := httptest.NewServer(drive)
	defer srv.Close()
	client := NewDriveClient(srv.Client(), srv.URL+"/drive", srv.URL+"/upload")
	auth := &fakeAuth{token: "tok"}

	p := NewCloudProvider(client, auth, configs, nil, CloudOptions{FolderName: "Podsync", AccountEmail: "a@example.com"}, logging.Nop())
	ctx := context.Background()
	_, err := p.CreateFile(ctx, "pod.json")
	require.NoError(t, err)
	require.NoError(t, p.Persist(ctx, "fam-A"))

	cfg, err := configs.Load(ctx, "fam-A")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "a@example.com", cfg.CloudAccountEmail)

	f := &Factory{Drive: client, Auth: auth, Folder: "Podsync", Configs: configs, Log: logging.Nop()}
	restored, err := f.Build(ctx, *cfg)
	require.NoError(t, err)
	assert.Equal(t, TypeCloud, restored.Type())
	assert.True(t, restored.IsReady(ctx))
}
