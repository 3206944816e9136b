// Package cli provides the interactive podsync command-line client.
//
// It wires configuration, the device-local database, the storage backends,
// the registry and relay clients, and a sync session for one family at a
// time, then runs a REPL over it. Typical flow:
//
//	family 3f2a... Smiths     select the family
//	connect local ~/pod.json  choose where its pod file lives
//	add todos {"title":"milk"} edit data; saves are debounced
//	status                    inspect the session
//
// Local edits are saved automatically after the debounce interval. Remote
// changes arrive through polling, a file watcher for local files, and the
// change relay when one is configured.
package cli
