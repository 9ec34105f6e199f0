// Package resource provides the handle registry for bridge entities.
//
// Engine-side callbacks never hold Go pointers to host entities directly;
// they capture a Handle and resolve it through the Table when they fire.
// A handle whose entity has been removed resolves to nothing, which is how
// late callbacks for a closed socket are recognised.
//
// # Handle Table
//
//	table := resource.NewTable()
//
//	h := table.Insert(TypeSocket, sock)
//	sock, ok := resource.Lookup[*Socket](table, h, TypeSocket)
//	table.Remove(h) // calls sock.Drop() when sock implements Dropper
//
// Handles carry a generation, so a stale handle stays invalid even after
// its slot is reused.
//
// # Observers
//
//	table.Subscribe(resource.ObserverFunc(func(e resource.Event) {
//	    log.Printf("%s %d", e.Type, e.Handle)
//	}))
package resource
