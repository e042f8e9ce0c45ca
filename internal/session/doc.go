// Package session stores server-side session records keyed by an opaque handle.
//
// A record caches the identity of an authenticated caller so later requests
// can present only the handle cookie. Every read-modify-write of one handle
// goes through Store.Update, which holds that handle exclusively while the
// callback runs. Two backends exist:
//
//   - MemoryStore keeps records in process, sharded by handle, and expires
//     them after a period without a touch.
//   - RedisStore keeps records in redis with a sliding TTL so several
//     gateway replicas share sessions. Exclusion is optimistic: the update
//     is retried when another writer changes the key first.
package session
