package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dmitrijs2005/podsync/internal/client/services"
	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/pod"
	"github.com/dmitrijs2005/podsync/internal/storage"
	"github.com/google/uuid"
)

const (
	defaultCloudFileName = "family-pod.json"
	providerKeyPrefix    = "provider:"
)

var errUsage = errors.New("usage")

func usage(format string) error {
	return fmt.Errorf("%w: %s", errUsage, format)
}

// requireSession returns the active session or ErrNoActiveFamily.
func (a *App) requireSession() (*services.Session, error) {
	s := a.current()
	if s == nil {
		return nil, common.ErrNoActiveFamily
	}
	return s, nil
}

// Family switches to the family given by args[0]. The local data set is
// cleared when the family differs from the last active one.
func (a *App) Family(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "" {
		return usage("family <id> [name]")
	}
	familyID := args[0]
	name := strings.Join(args[1:], " ")

	a.closeSession(ctx)

	prev, err := a.repos.Metadata.Get(ctx, activeFamilyKey)
	if err != nil {
		return err
	}
	if prev != nil && string(prev) != familyID {
		if err := a.repos.Snapshots.Import(ctx, pod.Empty()); err != nil {
			return fmt.Errorf("clear local data: %w", err)
		}
		if err := a.repos.Snapshots.Settle(ctx); err != nil {
			return err
		}
		a.log.Info(ctx, "local data cleared for family switch", "from", string(prev), "to", familyID)
	}
	if err := a.repos.Metadata.Set(ctx, activeFamilyKey, []byte(familyID)); err != nil {
		return err
	}

	s, release := a.newSession(familyID, name)
	a.mu.Lock()
	a.session, a.releaseRestored = s, release
	a.mu.Unlock()

	res, err := s.Initialize(ctx)
	if err != nil {
		return err
	}

	switch {
	case res.RegistryHint != nil:
		h := res.RegistryHint
		fmt.Fprintf(a.out, "Registry says this family's pod file is on %s: %s\n", h.Provider, h.DisplayPath)
		fmt.Fprintln(a.out, "Use 'connect' to attach it on this device.")
		return nil
	case !res.Restored:
		fmt.Fprintln(a.out, "No storage connected. Use 'connect local|cloud|s3'.")
		return nil
	case res.NeedsAccess && s.Provider().Type() == storage.TypeLocal:
		// a local path needs no interaction to re-grant
		if err := s.Connect(storage.WithUserGesture(ctx), s.Provider()); err != nil {
			return err
		}
	case res.NeedsAccess:
		fmt.Fprintf(a.out, "Storage (%s) needs access again. Use 'connect' to re-grant it.\n", s.Provider().Type())
		return nil
	}
	return a.afterConnect(ctx, s)
}

// afterConnect pulls the remote file into the local store and starts the
// change watchers. A missing or empty file is created from local data.
func (a *App) afterConnect(ctx context.Context, s *services.Session) error {
	res, err := s.LoadAndImport(ctx, services.LoadOptions{Merge: true})
	switch {
	case errors.Is(err, common.ErrPasswordRequired):
		fmt.Fprintln(a.out, "The pod file is encrypted. Use 'unlock' to open it.")
	case errors.Is(err, common.ErrRemoteNotFound) || (err == nil && res.Empty):
		if err := s.SaveNow(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Created a new pod file.")
	case err != nil:
		return err
	default:
		printLoad(a, res)
	}

	a.startWatchers(ctx, s)
	return nil
}

func printLoad(a *App, res services.LoadResult) {
	if res.Merged {
		r := res.Report
		fmt.Fprintf(a.out, "Merged: %d local, %d remote, %d deleted\n", r.KeptLocal, r.KeptRemote, r.Suppressed)
		return
	}
	fmt.Fprintln(a.out, "Loaded.")
}

// Families lists the families this device has storage configured for. The
// active one is marked with "*".
func (a *App) Families(ctx context.Context, _ []string) error {
	entries, err := a.repos.Metadata.Entries(ctx, providerKeyPrefix)
	if err != nil {
		return err
	}
	active, err := a.repos.Metadata.Get(ctx, activeFamilyKey)
	if err != nil {
		return err
	}

	seenActive := false
	for _, e := range entries {
		familyID := strings.TrimPrefix(e.Key, providerKeyPrefix)
		mark := " "
		if familyID == string(active) {
			mark, seenActive = "*", true
		}

		var cfg storage.ProviderConfig
		location := "unreadable config"
		if err := json.Unmarshal(e.Value, &cfg); err == nil {
			location = describeConfig(cfg)
		}
		fmt.Fprintf(a.out, "%s %-20s %-40s %s\n", mark, familyID, location, e.UpdatedAt.Local().Format(time.DateTime))
	}
	if len(active) > 0 && !seenActive {
		fmt.Fprintf(a.out, "* %-20s %s\n", string(active), "no storage")
	}
	if len(entries) == 0 && len(active) == 0 {
		fmt.Fprintln(a.out, "No families yet. Use 'family <id>'.")
	}
	return nil
}

func describeConfig(cfg storage.ProviderConfig) string {
	switch cfg.Type {
	case storage.TypeLocal:
		return "local " + cfg.LocalPath
	case storage.TypeCloud:
		return "cloud " + cfg.CloudFileName
	case storage.TypeS3:
		return "s3 " + cfg.S3Key
	default:
		return string(cfg.Type)
	}
}

// Connect attaches a storage location to the active family:
//
//	connect local <path>
//	connect cloud [file name]
//	connect s3 <key>
//
// Without arguments the restored provider is granted access again.
func (a *App) Connect(ctx context.Context, args []string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	ctx = storage.WithUserGesture(ctx)

	var p storage.Provider
	if len(args) == 0 {
		if p = s.Provider(); p == nil {
			return usage("connect local <path> | cloud [name] | s3 <key>")
		}
	} else {
		p, err = a.buildProvider(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
	}

	if err := s.Connect(ctx, p); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Connected to %s storage.\n", p.Type())
	return a.afterConnect(ctx, s)
}

func (a *App) buildProvider(ctx context.Context, kind string, rest []string) (storage.Provider, error) {
	switch storage.Type(kind) {
	case storage.TypeLocal:
		if len(rest) == 0 {
			return nil, usage("connect local <path>")
		}
		path, err := expandPath(strings.Join(rest, " "))
		if err != nil {
			return nil, err
		}
		return storage.NewLocalProvider(a.fs, path, a.configs, a.log), nil

	case storage.TypeCloud:
		if a.oauth == nil {
			return nil, fmt.Errorf("cloud storage: %w", common.ErrNotConfigured)
		}
		name := defaultCloudFileName
		if len(rest) > 0 {
			name = strings.Join(rest, " ")
		}
		p := storage.NewCloudProvider(a.drive, a.oauth, a.configs, nil,
			storage.CloudOptions{FolderName: a.config.DriveFolderName}, a.log)
		if err := p.RequestAccess(ctx); err != nil {
			return nil, fmt.Errorf("request access: %w", err)
		}
		files, err := p.ListFiles(ctx)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.Name == name {
				p.SelectFile(f.ID, f.Name)
				return p, nil
			}
		}
		if _, err := p.CreateFile(ctx, name); err != nil {
			return nil, err
		}
		return p, nil

	case storage.TypeS3:
		if a.factory.S3 == nil {
			return nil, fmt.Errorf("s3 storage: %w", common.ErrNotConfigured)
		}
		if len(rest) == 0 {
			return nil, usage("connect s3 <key>")
		}
		return storage.NewS3Provider(a.factory.S3, a.factory.S3Bucket, rest[0], a.configs, nil, a.log), nil
	}
	return nil, usage("connect local <path> | cloud [name] | s3 <key>")
}

func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

// Load imports the remote file. "load merge" keeps local changes.
func (a *App) Load(ctx context.Context, args []string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	merge := len(args) > 0 && args[0] == "merge"
	res, err := s.LoadAndImport(ctx, services.LoadOptions{Merge: merge})
	if errors.Is(err, common.ErrPasswordRequired) {
		fmt.Fprintln(a.out, "The pod file is encrypted. Use 'unlock' to open it.")
		return nil
	}
	if err != nil {
		return err
	}
	if res.Empty {
		fmt.Fprintln(a.out, "The pod file is empty.")
		return nil
	}
	printLoad(a, res)
	return nil
}

// Save writes the local data set now. A password is asked for when the
// family requires encryption and none is known yet.
func (a *App) Save(ctx context.Context, _ []string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	err = s.SaveNow(ctx)
	if errors.Is(err, common.ErrEncryptionRequired) {
		pw, perr := a.askPassword("Encryption password")
		if perr != nil {
			return perr
		}
		defer common.WipeByteArray(pw)
		err = s.Save(ctx, pw)
	}
	if err != nil {
		return err
	}
	if s.Queue() != nil {
		if _, ok := s.Queue().Pending(); ok {
			fmt.Fprintln(a.out, "Offline: the save is queued.")
			return nil
		}
	}
	fmt.Fprintln(a.out, "Saved.")
	return nil
}

// Unlock asks for the family password and loads the encrypted file with it.
func (a *App) Unlock(ctx context.Context, _ []string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	pw, err := a.askPassword("Family password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	res, err := s.LoadAndImport(ctx, services.LoadOptions{Merge: true, Password: pw})
	if err != nil {
		return err
	}
	printLoad(a, res)
	a.startWatchers(ctx, s)
	return nil
}

// Trust keeps the family password on this device across restarts.
func (a *App) Trust(ctx context.Context, _ []string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	if err := a.keys.Trust(ctx, s.FamilyID()); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "This device is trusted.")
	return nil
}

func (a *App) Untrust(ctx context.Context, _ []string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	if err := a.keys.Untrust(ctx, s.FamilyID()); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "This device is no longer trusted.")
	return nil
}

// Encrypt turns the family's encryption policy on or off and rewrites the
// pod file accordingly.
func (a *App) Encrypt(ctx context.Context, args []string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return usage("encrypt on|off")
	}

	if args[0] == "on" {
		if secret, ok := a.keys.Get(s.FamilyID()); ok {
			common.WipeByteArray(secret)
		} else {
			pw, err := a.askPassword("New family password")
			if err != nil {
				return err
			}
			if len(pw) == 0 {
				return fmt.Errorf("empty password: %w", common.ErrPasswordRequired)
			}
			a.keys.Set(s.FamilyID(), pw)
			common.WipeByteArray(pw)
		}
		if err := s.SetEncryptionRequired(ctx, true); err != nil {
			return err
		}
	} else {
		if err := s.SetEncryptionRequired(ctx, false); err != nil {
			return err
		}
		a.keys.Clear(s.FamilyID())
		if err := a.keys.Untrust(ctx, s.FamilyID()); err != nil {
			return err
		}
	}

	if s.Provider() == nil {
		fmt.Fprintf(a.out, "Encryption %s.\n", args[0])
		return nil
	}
	if err := s.SaveNow(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Encryption %s, pod file rewritten.\n", args[0])
	return nil
}

// Add stores a record given as a JSON object. A missing id is generated
// and updatedAt is always set to now.
func (a *App) Add(ctx context.Context, args []string) error {
	if _, err := a.requireSession(); err != nil {
		return err
	}
	if len(args) < 2 {
		return usage("add <collection> <json>")
	}
	coll := args[0]
	if !slices.Contains(pod.Collections, coll) {
		return fmt.Errorf("unknown collection %q (known: %s)", coll, strings.Join(pod.Collections, ", "))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.Join(args[1:], " ")), &fields); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidFormat, err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}

	id := uuid.NewString()
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			return fmt.Errorf("%w: id must be a non-empty string", common.ErrInvalidFormat)
		}
	}
	delete(fields, "id")
	delete(fields, "updatedAt")

	r := pod.Record{ID: id, UpdatedAt: time.Now().UTC(), Fields: fields}
	if err := a.repos.Snapshots.Put(ctx, coll, r); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Stored %s/%s\n", coll, id)
	return nil
}

func (a *App) Delete(ctx context.Context, args []string) error {
	if _, err := a.requireSession(); err != nil {
		return err
	}
	if len(args) != 2 {
		return usage("delete <collection> <id>")
	}
	ok, err := a.repos.Snapshots.Delete(ctx, args[0], args[1], time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(a.out, "%s/%s not found\n", args[0], args[1])
		return nil
	}
	fmt.Fprintf(a.out, "Deleted %s/%s\n", args[0], args[1])
	return nil
}

// List prints the records of one collection, or a count per collection.
func (a *App) List(ctx context.Context, args []string) error {
	if _, err := a.requireSession(); err != nil {
		return err
	}
	if len(args) == 0 {
		for _, coll := range pod.Collections {
			recs, err := a.repos.Snapshots.List(ctx, coll)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%-16s %d\n", coll, len(recs))
		}
		return nil
	}

	recs, err := a.repos.Snapshots.List(ctx, args[0])
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(a.out, "(empty)")
		return nil
	}
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, string(b))
	}
	return nil
}

func (a *App) Status(ctx context.Context, _ []string) error {
	s := a.current()
	if s == nil {
		fmt.Fprintln(a.out, "No active family. Use 'family <id>'.")
		return nil
	}

	fmt.Fprintf(a.out, "Family:      %s", s.FamilyID())
	if name := s.FamilyName(); name != "" {
		fmt.Fprintf(a.out, " (%s)", name)
	}
	fmt.Fprintln(a.out)
	fmt.Fprintf(a.out, "State:       %s\n", s.State())

	if p := s.Provider(); p != nil {
		fmt.Fprintf(a.out, "Storage:     %s\n", describe(p))
	} else {
		fmt.Fprintln(a.out, "Storage:     none")
	}
	if err := s.LastError(); err != nil {
		fmt.Fprintf(a.out, "Last error:  %v\n", err)
	}

	fmt.Fprintf(a.out, "Encryption:  %s\n", onOff(s.EncryptionRequired()))
	trusted, err := a.keys.IsTrusted(ctx, s.FamilyID())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Trusted:     %s\n", onOff(trusted))
	fmt.Fprintf(a.out, "Pending:     %s\n", onOff(s.HasPendingSave()))
	if q := s.Queue(); q != nil {
		if _, ok := q.Pending(); ok {
			fmt.Fprintln(a.out, "Queued:      offline write waiting")
		}
	}
	if a.monitor != nil {
		fmt.Fprintf(a.out, "Online:      %s\n", onOff(a.monitor.Online()))
	}
	return nil
}

func describe(p storage.Provider) string {
	switch v := p.(type) {
	case *storage.LocalProvider:
		return "local " + v.Path()
	case *storage.CloudProvider:
		_, name := v.File()
		return "cloud " + name
	case *storage.S3Provider:
		bucket, key := v.Location()
		return "s3 " + bucket + "/" + key
	}
	return string(p.Type())
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// Disconnect forgets the family's storage location on this device.
func (a *App) Disconnect(ctx context.Context, _ []string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	a.mu.Lock()
	stop := a.stopWatchers
	a.stopWatchers = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}

	if err := s.Disconnect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Disconnected.")
	return nil
}

// SignOut wipes every cached password and the cloud sign-in.
func (a *App) SignOut(ctx context.Context, _ []string) error {
	a.keys.ClearAll()
	if a.oauth != nil {
		if err := a.oauth.SignOut(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintln(a.out, "Signed out.")
	return nil
}

// askPassword reads a password without echo on a terminal, or as a plain
// line otherwise. The caller wipes the result.
func (a *App) askPassword(prompt string) ([]byte, error) {
	if isTerminal(int(os.Stdin.Fd())) {
		return GetPassword(a.out, prompt)
	}
	line, err := GetSimpleText(a.in, prompt, a.out)
	if err != nil {
		return nil, err
	}
	return []byte(line), nil
}
