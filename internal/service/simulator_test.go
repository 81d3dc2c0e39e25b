package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/arubatracker/internal/config"
	"github.com/sshcollectorpro/arubatracker/simulate"
)

const simUserOutput = `Users
-----
    IP             MAC            Name   Role   AP Group  Age(d:h:m)  Auth  AP name   Roaming   Essid/Bssid/Phy   Host Name  Profile
----------  -----------------  -----  -----  --------  ----------  ----  --------  --------  ----------------  ---------  -------
10.0.0.5    00:11:22:33:44:55  bob    guest  Lobby     00:01:10    psk   lobby-ap  Wireless  corp/5GHz         bob-phone  default
10.0.0.6    00:11:22:33:44:66  alice  guest  Annex     00:00:42    psk   annex-ap  Wireless  corp/2.4GHz       alice-tab  default
10.0.0.7    00:11:22:33:44:77  carol  guest  Lobby     00:03:01    psk   lobby-ap  Wireless  corp/5GHz         carol-mbp  default

User Entries: 3/3
`

const simClientOutput = `Client List
-----------
Name            IP Address      MAC Address        OS      ESSID
alice-laptop    192.168.1.42    aa:bb:cc:dd:ee:ff  Win 10  corp
printer         192.168.1.50    00-1a-2b-3c-4d-5e  -       iot
`

func startDevice(t *testing.T, dev simulate.DeviceConfig) *simulate.Server {
	t.Helper()
	key, err := simulate.LoadOrCreateHostKey("")
	require.NoError(t, err)
	srv := simulate.NewServer(dev, key)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func simDriver(t *testing.T, keystrokes int) *Driver {
	cfg := &config.Config{
		SSH: config.SSHConfig{
			ConnectTimeout:   2 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			CommandTimeout:   5 * time.Second,
			KnownHostsFile:   filepath.Join(t.TempDir(), "known_hosts"),
		},
		Scan: config.ScanConfig{PageKeystrokes: keystrokes},
	}
	return NewSSHDriver(cfg)
}

func TestSSHDriverAgainstSimulatedAP(t *testing.T) {
	for _, keystrokes := range []int{0, 5} {
		srv := startDevice(t, simulate.DeviceConfig{
			Mode:           simulate.ModeAP,
			Hostname:       "lobby-ap",
			Username:       "admin",
			Password:       "aruba123",
			EnablePassword: "aruba123",
			PageSize:       3,
			Outputs:        map[string]string{"show user": simUserOutput},
		})
		target := config.TrackerConfig{
			Name: "lobby", Host: "127.0.0.1", Port: srv.Port(),
			Username: "admin", Password: "aruba123", Mode: "ap",
		}

		scanner, err := Initialize(context.Background(), target, simDriver(t, keystrokes))
		require.NoError(t, err, "keystrokes=%d", keystrokes)

		macs, err := scanner.Scan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"00:11:22:33:44:55", "00:11:22:33:44:66", "00:11:22:33:44:77"}, macs)

		name, ok := scanner.DeviceName("00:11:22:33:44:66")
		require.True(t, ok)
		assert.Equal(t, "alice-tab", name)
		assert.Equal(t, map[string]string{"ip": "10.0.0.7", "location_name": "Lobby"},
			scanner.ExtraAttributes("00:11:22:33:44:77"))

		// 每轮两次 exit：先退出特权模式，再退出会话
		assert.Eventually(t, func() bool { return srv.Stats().Exits == 4 }, 2*time.Second, 20*time.Millisecond)
		assert.EqualValues(t, 2, srv.Stats().AuthAttempts)
	}
}

func TestSSHDriverAgainstSimulatedController(t *testing.T) {
	srv := startDevice(t, simulate.DeviceConfig{
		Mode:     simulate.ModeClient,
		Hostname: "core",
		Username: "admin",
		Password: "aruba123",
		Outputs:  map[string]string{"show clients": simClientOutput},
	})
	target := config.TrackerConfig{
		Name: "core", Host: "127.0.0.1", Port: srv.Port(),
		Username: "admin", Password: "aruba123", Mode: "controller",
	}

	scanner, err := Initialize(context.Background(), target, simDriver(t, 5))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"AA:BB:CC:DD:EE:FF", "00:1A:2B:3C:4D:5E"}, scanner.MACs())
	name, ok := scanner.DeviceName("00-1a-2b-3c-4d-5e")
	require.True(t, ok)
	assert.Equal(t, "printer", name)

	assert.Eventually(t, func() bool { return srv.Stats().Exits == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestSSHDriverWrongPassword(t *testing.T) {
	srv := startDevice(t, simulate.DeviceConfig{
		Mode:     simulate.ModeClient,
		Username: "admin",
		Password: "aruba123",
	})
	target := config.TrackerConfig{
		Name: "core", Host: "127.0.0.1", Port: srv.Port(),
		Username: "admin", Password: "wrong", Mode: "controller",
	}

	scanner, err := Initialize(context.Background(), target, simDriver(t, 0))
	require.Error(t, err)
	assert.Nil(t, scanner)
	kind, ok := FailureKindOf(err)
	require.True(t, ok)
	assert.Equal(t, FailureUnexpectedResponse, kind)
	assert.Contains(t, err.Error(), "Permission denied")
}
