// Package storage is the durable name/value store behind taskd's data
// service.
//
// Every backend offers the same small contract:
//   - Get and lexical NextName enumeration over bound names
//   - Apply, which writes a batch of puts and deletes atomically
//   - NextObjectID, a persistent monotonic id source
//
// Backends: "memory" (tests, throwaway runs), "file" (snapshot + journal,
// no dependencies) and "sqlite".
package storage
