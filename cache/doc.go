// Package cache stores HTTP responses in named, versioned namespaces.
//
// # Storage and Namespaces
//
// [Storage] is the set of namespaces. [Storage.Open] creates a namespace on
// first use, [Storage.Delete] drops it with every entry, [Storage.Keys] lists
// names in creation order and [Storage.Match] searches all of them. A
// [Namespace] maps a request URL (fragment removed, see [Key]) to an [Entry].
// Put overwrites; concurrent writers to the same URL are last-write-wins.
//
// [Namespace.AddAll] fetches a batch of URLs and writes them in one atomic
// backend call, so either every URL is stored or none is.
//
// # Backends
//
// Three [Backend] implementations are provided:
//
//   - [NewMemory]: in-process maps guarded by a mutex. Lost on process restart.
//
//   - [NewSQLite]: backed by a SQLite database using [modernc.org/sqlite]
//     (pure Go, no CGO). Entries are msgpack BLOBs in an entries table keyed by
//     (namespace, key). Supports both file-backed and ":memory:" modes. Batches
//     are written in a transaction. Each operation uses a per-query timeout
//     ([DefaultQueryTimeout]).
//
//   - [NewRedis]: backed by Redis using [github.com/redis/go-redis/v9]. Each
//     namespace is a hash; a sorted set indexes namespace names by creation
//     time. Batches use MULTI/EXEC. The caller owns the [redis.Client]
//     lifecycle; [Backend.Close] is a no-op.
//
// Entries never expire on their own: they live until overwritten, deleted, or
// their namespace is dropped during activation.
package cache
