package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAPLines(t *testing.T) {
	lines := []string{
		"show user",
		"",
		"Users",
		"-----",
		"    IP             MAC            Name  Role  Age(d:h:m)  Auth  VPN link  AP name  Roaming  Essid/Bssid/Phy  Profile  Forward mode  Type  Host Name",
		strings.Join([]string{"10.0.0.5", "00:11:22:33:44:55", "x", "x", "Lobby", "x", "x", "x", "x", "x", "bob-phone"}, "   "),
		"10.0.0.6   aa:bb:cc:dd:ee:01   guest   guest   Cafe   00:01:02   psk   -   ap-2   corp/bssid/5GHz   alice-tab   extra   trailing",
		"10.0.0.7   aa:bb:cc:dd:ee:02   only   five   fields",
		"999.0.0.1  aa:bb:cc:dd:ee:03   x  x  Lab  x  x  x  x  x  ghost",
		"User Entries: 2/2",
	}

	result := ParseAPLines(lines)
	require.Equal(t, 2, result.Len())

	rec, ok := result.Get("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", rec.IP)
	assert.Equal(t, "00:11:22:33:44:55", rec.MAC)
	assert.Equal(t, "Lobby", rec.LocationName)
	assert.Equal(t, "bob-phone", rec.Name)

	rec, ok = result.Get("10.0.0.6")
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", rec.MAC, "MAC 入库前统一为大写")
	assert.Equal(t, "Cafe", rec.LocationName)
	assert.Equal(t, "alice-tab", rec.Name)

	_, ok = result.Get("10.0.0.7")
	assert.False(t, ok, "字段不足的行跳过")
	_, ok = result.Get("999.0.0.1")
	assert.False(t, ok, "非法 IPv4 的行跳过")
}

func TestParseAPLinesStripsPagerArtifacts(t *testing.T) {
	line := "\r\x1b[K10.0.0.8   00:aa:bb:cc:dd:ee   x   x   Annex   x   x   x   x   x   printer"
	result := ParseAPLines([]string{line})
	rec, ok := result.Get("10.0.0.8")
	require.True(t, ok)
	assert.Equal(t, "printer", rec.Name)
	assert.Equal(t, "Annex", rec.LocationName)
}

func TestParseClientLines(t *testing.T) {
	cases := []struct {
		name    string
		line    string
		wantIP  string
		wantMAC string
		wantNm  string
	}{
		{"冒号分隔", "alice-laptop   192.168.1.42   aa:bb:cc:dd:ee:ff    ", "192.168.1.42", "AA:BB:CC:DD:EE:FF", "alice-laptop"},
		{"连字符分隔", "printer 10.1.2.3 00-1a-2b-3c-4d-5e 5GHz  extra", "10.1.2.3", "00:1A:2B:3C:4D:5E", "printer"},
		{"名称为空", "   10.1.2.4   0a:0b:0c:0d:0e:0f   ", "10.1.2.4", "0A:0B:0C:0D:0E:0F", ""},
		{"行尾 MAC", "tv 10.1.2.5 de:ad:be:ef:00:01", "10.1.2.5", "DE:AD:BE:EF:00:01", "tv"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseClientLines([]string{tc.line})
			rec, ok := result.Get(tc.wantIP)
			require.True(t, ok)
			assert.Equal(t, tc.wantMAC, rec.MAC)
			assert.Equal(t, tc.wantNm, rec.Name)
			assert.Empty(t, rec.LocationName)
		})
	}
}

func TestParseClientLinesSkipsMalformed(t *testing.T) {
	lines := []string{
		"show clients",
		"Name   IP   MAC",
		"broken 10.0.0.1 aa:bb:cc:dd:ee",
		"bad-ip 300.1.1.1 aa:bb:cc:dd:ee:ff ",
		"nomac 10.0.0.2 zz:bb:cc:dd:ee:ff ",
		"",
	}
	assert.Equal(t, 0, ParseClientLines(lines).Len())
}

func TestParseOutput(t *testing.T) {
	assert.Equal(t, 0, ParseOutput(nil).Len())

	ap := &RawOutput{AP: true, Lines: []string{"10.0.0.5 00:11:22:33:44:55 x x Lobby x x x x x bob-phone"}}
	assert.Equal(t, []string{"00:11:22:33:44:55"}, ParseOutput(ap).MACs())

	client := &RawOutput{Lines: []string{"alice-laptop   192.168.1.42   aa:bb:cc:dd:ee:ff    "}}
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, ParseOutput(client).MACs())

	// 同一行在另一种语法下不产生记录
	assert.Equal(t, 0, ParseOutput(&RawOutput{AP: true, Lines: client.Lines}).Len())
}

func TestParseAPLinesDuplicateMACSurvivesIPReuse(t *testing.T) {
	lines := []string{
		"10.0.0.1   aa:aa:aa:aa:aa:01   x   x   L1   x   x   x   x   x   one",
		"10.0.0.2   aa:aa:aa:aa:aa:01   x   x   L2   x   x   x   x   x   one-again",
		"10.0.0.2   bb:bb:bb:bb:bb:02   x   x   L3   x   x   x   x   x   two",
	}

	result := ParseAPLines(lines)
	require.Equal(t, 2, result.Len())
	assert.Equal(t, []string{"AA:AA:AA:AA:AA:01", "BB:BB:BB:BB:BB:02"}, result.MACs())

	rec, ok := result.ByMAC("aa:aa:aa:aa:aa:01")
	require.True(t, ok, "其他 IP 仍持有该 MAC 时设备保持在线")
	assert.Equal(t, "10.0.0.1", rec.IP)
	assert.Equal(t, "one", rec.Name)

	rec, ok = result.ByMAC("bb:bb:bb:bb:bb:02")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", rec.IP)
}

func TestParseZeroPaddedIPv4(t *testing.T) {
	client := ParseClientLines([]string{"printer 192.168.001.010 00:1a:2b:3c:4d:5e "})
	rec, ok := client.Get("192.168.001.010")
	require.True(t, ok)
	assert.Equal(t, "printer", rec.Name)

	ap := ParseAPLines([]string{"010.000.000.005   00:11:22:33:44:55   x   x   Lobby   x   x   x   x   x   bob-phone"})
	rec, ok = ap.Get("010.000.000.005")
	require.True(t, ok)
	assert.Equal(t, "bob-phone", rec.Name)

	assert.Equal(t, 0, ParseClientLines([]string{"bad 192.168.001.256 00:1a:2b:3c:4d:5e "}).Len())
}
