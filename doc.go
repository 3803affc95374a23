// Package asyncstore is an embedded, asynchronous, durable key-value store.
//
// A Store serializes every call through one operation queue and returns a
// Future immediately:
//
//	s, err := asyncstore.New("/var/lib/app/store")
//	if err != nil {
//		return err
//	}
//	defer s.Close(context.Background())
//
//	if _, err := s.SetItem("user", `{"name":"ada"}`).Await(ctx); err != nil {
//		return err
//	}
//	v, err := s.GetItem("user").Await(ctx)
//
// A write is on stable storage when its future settles. Calls on one store
// take effect in the order they were made, and a read made after a write
// settled observes it. Blind writes queued back to back are committed as
// one batch.
//
// Failures carry a Code: TypeMismatch for rejected arguments and
// unmergeable values, StorageFault for engine errors. A write the engine
// could not log leaves the store failing until Reopen.
package asyncstore
