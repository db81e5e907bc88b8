package cache

import "testing"

func TestCache_Address(t *testing.T) {
	c := New()
	c.PutAddress("active_camera", 0x140123456)

	if got, ok := c.Address("active_camera"); !ok || got != 0x140123456 {
		t.Errorf("Address() want = 0x140123456, got = 0x%X (found %v)", got, ok)
	}
	if _, ok := c.Address("dof"); ok {
		t.Error("Address() of a missing key want not found")
	}

	c.Delete("active_camera")
	if c.Len() != 0 {
		t.Errorf("Len() after Delete want = 0, got = %d", c.Len())
	}
}
