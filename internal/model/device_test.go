package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "00:1A:2B:3C:4D:5E", NormalizeMAC(" 00-1a-2b-3c-4d-5e "))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", NormalizeMAC("aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, "NOT-A-MAC", NormalizeMAC("not-a-mac"))
}

func TestScanResultOverwriteKeepsSharedMAC(t *testing.T) {
	r := NewScanResult()
	r.Put(DeviceRecord{IP: "10.0.0.1", MAC: "aa:aa:aa:aa:aa:01", Name: "one"})
	r.Put(DeviceRecord{IP: "10.0.0.2", MAC: "aa:aa:aa:aa:aa:01", Name: "one-again"})
	r.Put(DeviceRecord{IP: "10.0.0.2", MAC: "bb:bb:bb:bb:bb:02", Name: "two"})

	assert.Equal(t, []string{"AA:AA:AA:AA:AA:01", "BB:BB:BB:BB:BB:02"}, r.MACs())
	rec, ok := r.ByMAC("AA-AA-AA-AA-AA-01")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", rec.IP)

	// 唯一持有者被覆盖后 MAC 下线
	r.Put(DeviceRecord{IP: "10.0.0.1", MAC: "cc:cc:cc:cc:cc:03", Name: "three"})
	assert.Equal(t, []string{"BB:BB:BB:BB:BB:02", "CC:CC:CC:CC:CC:03"}, r.MACs())
	_, ok = r.ByMAC("aa:aa:aa:aa:aa:01")
	assert.False(t, ok)
}

func TestScanResultNilSafe(t *testing.T) {
	var r *ScanResult
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.MACs())
	assert.Empty(t, r.Records())
	_, ok := r.ByMAC("aa:aa:aa:aa:aa:01")
	assert.False(t, ok)
}
