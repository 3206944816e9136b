package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// execIface defines the command surface the REPL dispatches to.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	Family(ctx context.Context, args []string) error
	Families(ctx context.Context, args []string) error
	Connect(ctx context.Context, args []string) error
	Load(ctx context.Context, args []string) error
	Save(ctx context.Context, args []string) error
	Unlock(ctx context.Context, args []string) error
	Trust(ctx context.Context, args []string) error
	Untrust(ctx context.Context, args []string) error
	Encrypt(ctx context.Context, args []string) error
	Add(ctx context.Context, args []string) error
	Delete(ctx context.Context, args []string) error
	List(ctx context.Context, args []string) error
	Status(ctx context.Context, args []string) error
	Disconnect(ctx context.Context, args []string) error
	SignOut(ctx context.Context, args []string) error
}

const helpText = `Commands:
  family <id> [name]       switch to a family
  families                 list families set up on this device
  connect local <path>     use a file on this machine
  connect cloud [name]     use a file in the cloud drive
  connect s3 <key>         use an object in the S3 bucket
  connect                  re-grant access to the current storage
  load [merge]             import the pod file (merge keeps local changes)
  save                     write the pod file now
  unlock                   enter the family password
  trust | untrust          remember the password on this device
  encrypt on|off           change the encryption policy
  add <collection> <json>  store a record
  delete <collection> <id> delete a record
  list [collection]        show records
  status                   show sync status
  disconnect               forget the storage location
  signout                  wipe cached passwords and cloud sign-in
  exit | quit              leave the program`

// runREPL starts a read–eval–print loop for the podsync CLI.
//
// It reads a line from in, parses the first word as the command, and
// dispatches to methods on a. Errors returned by handlers are printed and
// the loop continues. The loop exits on EOF, on "exit" or "quit", or when
// ctx is done.
func runREPL(ctx context.Context, a execIface, statusFn func() string, in *bufio.Reader, out io.Writer) {
	commands := map[string]func(context.Context, []string) error{
		"family":     a.Family,
		"families":   a.Families,
		"connect":    a.Connect,
		"load":       a.Load,
		"save":       a.Save,
		"unlock":     a.Unlock,
		"trust":      a.Trust,
		"untrust":    a.Untrust,
		"encrypt":    a.Encrypt,
		"add":        a.Add,
		"delete":     a.Delete,
		"rm":         a.Delete,
		"list":       a.List,
		"ls":         a.List,
		"status":     a.Status,
		"disconnect": a.Disconnect,
		"signout":    a.SignOut,
	}

	for {
		if ctx.Err() != nil {
			return
		}
		fmt.Fprintf(out, "podsync %s > ", statusFn())

		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(out)
			return
		}

		cmd, args := splitCommand(line)
		switch cmd {
		case "":
			continue
		case "help", "?":
			fmt.Fprintln(out, helpText)
			continue
		case "exit", "quit":
			fmt.Fprintln(out, "Bye!")
			return
		}

		run, ok := commands[cmd]
		if !ok {
			fmt.Fprintln(out, "Unknown command:", cmd)
			continue
		}
		if err := run(ctx, args); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}
