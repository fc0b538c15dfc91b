package rescache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpsert_ThenGetReturnsStoredEntry(t *testing.T) {
	c := New()
	c.Upsert("rid-1", Entry{Rtype: "light", Name: "Office Lamp", NameNorm: "office lamp"})

	e, ok := c.Get("rid-1")
	assert.True(t, ok)
	assert.Equal(t, "office lamp", e.NameNorm)
}

func TestUpsert_RenameMovesNameIndexEntry(t *testing.T) {
	c := New()
	c.Upsert("rid-1", Entry{Rtype: "light", Name: "Old Name", NameNorm: "old name"})
	c.Upsert("rid-1", Entry{Rtype: "light", Name: "New Name", NameNorm: "new name"})

	assert.Empty(t, c.RidsByName("light", "old name"), "stale name index entry must be removed on rename")
	assert.Equal(t, []string{"rid-1"}, c.RidsByName("light", "new name"))
}

func TestDelete_RemovesFromBothMaps(t *testing.T) {
	c := New()
	c.Upsert("rid-1", Entry{Rtype: "light", Name: "Lamp", NameNorm: "lamp"})
	c.Delete("rid-1")

	_, ok := c.Get("rid-1")
	assert.False(t, ok)
	assert.Empty(t, c.RidsByName("light", "lamp"))
}

func TestList_FiltersByRtype(t *testing.T) {
	c := New()
	c.Upsert("light-1", Entry{Rtype: "light", Name: "Lamp", NameNorm: "lamp"})
	c.Upsert("room-1", Entry{Rtype: "room", Name: "Office", NameNorm: "office"})

	lights := c.List("light")
	assert.Len(t, lights, 1)
	_, ok := lights["light-1"]
	assert.True(t, ok)
}

func TestLastFresh_UnknownRtypeReportsAbsent(t *testing.T) {
	c := New()
	_, ok := c.LastFresh("light")
	assert.False(t, ok)
}

func TestLastFresh_SetAfterUpsert(t *testing.T) {
	c := New()
	c.Upsert("light-1", Entry{Rtype: "light", Name: "Lamp", NameNorm: "lamp"})

	_, ok := c.LastFresh("light")
	assert.True(t, ok)
}

func TestRidsByName_MultipleResourcesCanShareANormalizedName(t *testing.T) {
	c := New()
	c.Upsert("light-1", Entry{Rtype: "light", Name: "Lamp", NameNorm: "lamp"})
	c.Upsert("light-2", Entry{Rtype: "light", Name: "lamp", NameNorm: "lamp"})

	rids := c.RidsByName("light", "lamp")
	assert.Len(t, rids, 2)
}
