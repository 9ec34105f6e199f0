package resource

import (
	"sync"
	"testing"
)

type testObserver struct {
	events []Event
}

func (o *testObserver) OnResourceEvent(e Event) {
	o.events = append(o.events, e)
}

type dropCounter struct {
	drops int
}

func (d *dropCounter) Drop() { d.drops++ }

func TestTable_Basic(t *testing.T) {
	table := NewTable()

	h := table.Insert(1, "test")
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}

	val, ok := table.Get(h)
	if !ok || val != "test" {
		t.Fatalf("Get = %v, %v", val, ok)
	}

	if _, ok := table.GetTyped(h, 1); !ok {
		t.Fatal("GetTyped with correct type failed")
	}
	if _, ok := table.GetTyped(h, 2); ok {
		t.Fatal("GetTyped with wrong type should fail")
	}

	val, ok = table.Remove(h)
	if !ok || val != "test" {
		t.Fatalf("Remove = %v, %v", val, ok)
	}
	if table.Len() != 0 {
		t.Fatal("Expected Len() == 0 after Remove")
	}
	if _, ok := table.Remove(h); ok {
		t.Fatal("second Remove should fail")
	}
}

func TestTable_StaleHandle(t *testing.T) {
	table := NewTable()

	old := table.Insert(1, "first")
	table.Remove(old)
	fresh := table.Insert(1, "second")

	if old == fresh {
		t.Fatal("reused slot must produce a different handle")
	}
	if _, ok := table.Get(old); ok {
		t.Fatal("stale handle resolved to the new occupant")
	}
	if v, ok := table.Get(fresh); !ok || v != "second" {
		t.Fatalf("Get(fresh) = %v, %v", v, ok)
	}
}

func TestTable_Lookup(t *testing.T) {
	table := NewTable()
	d := &dropCounter{}
	h := table.Insert(7, d)

	got, ok := Lookup[*dropCounter](table, h, 7)
	if !ok || got != d {
		t.Fatal("Lookup failed")
	}
	if _, ok := Lookup[string](table, h, 7); ok {
		t.Fatal("Lookup with wrong Go type should fail")
	}
	if _, ok := Lookup[*dropCounter](table, h, 8); ok {
		t.Fatal("Lookup with wrong type id should fail")
	}
}

func TestTable_Observer(t *testing.T) {
	table := NewTable()
	obs := &testObserver{}
	table.Subscribe(obs)

	h := table.Insert(3, "x")
	table.Remove(h)

	if len(obs.events) != 2 {
		t.Fatalf("got %d events, want 2", len(obs.events))
	}
	if obs.events[0].Type != EventCreated || obs.events[1].Type != EventDropped {
		t.Errorf("unexpected event order: %v", obs.events)
	}
	if obs.events[1].TypeID != 3 {
		t.Errorf("dropped TypeID = %d", obs.events[1].TypeID)
	}
}

func TestTable_DropperAndClose(t *testing.T) {
	table := NewTable()
	a, b := &dropCounter{}, &dropCounter{}
	ha := table.Insert(1, a)
	table.Insert(1, b)

	table.Remove(ha)
	if err := table.Close(); err != nil {
		t.Fatal(err)
	}

	if a.drops != 1 || b.drops != 1 {
		t.Errorf("drops = %d, %d; want 1, 1", a.drops, b.drops)
	}
	if h := table.Insert(1, "late"); h != 0 {
		t.Error("Insert after Close should return 0")
	}
}

func TestTable_Clear(t *testing.T) {
	table := NewTable()
	for i := 0; i < 10; i++ {
		table.Insert(1, i)
	}
	table.Clear()
	if table.Len() != 0 {
		t.Fatalf("Len after Clear = %d", table.Len())
	}
}

func TestTable_Concurrent(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := table.Insert(TypeID(n), j)
				if v, ok := table.GetTyped(h, TypeID(n)); !ok || v != j {
					t.Errorf("GetTyped(%d) = %v, %v", h, v, ok)
					return
				}
				table.Remove(h)
			}
		}(i)
	}
	wg.Wait()

	if table.Len() != 0 {
		t.Fatalf("Len = %d after concurrent insert/remove", table.Len())
	}
}
