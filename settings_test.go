package main

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"easycaller/accesstoken"
	"easycaller/audioroute"
)

func loadSettings(t *testing.T, src string) (*Settings, error) {
	t.Helper()
	cfg, err := ini.Load([]byte(src))
	require.NoError(t, err)
	return LoadSettings(cfg)
}

func TestSettingsDefaults(t *testing.T) {
	s, err := loadSettings(t, "")
	require.NoError(t, err)

	assert.Equal(t, backendSIP, s.Backend())
	assert.Equal(t, "easycaller", s.Identity())
	assert.Equal(t, ":8080", s.HTTPListen())
	assert.Equal(t, "/ws/notify", s.WebsocketPath())
	assert.Equal(t, 5060, s.SIPPort())
	assert.Equal(t, 30*time.Second, s.KeepAlive())
	assert.Equal(t, time.Hour, s.RegisterExpiry())
	assert.Equal(t, time.Duration(0), s.DisconnectGuard())
	assert.Equal(t, 20*time.Millisecond, s.CaptureInterval())
	assert.Equal(t, []audioroute.Device{
		{Name: "Earpiece", Kind: audioroute.Earpiece},
		{Name: "Speaker", Kind: audioroute.Speakerphone},
	}, s.Devices())
}

func TestSettingsOverrides(t *testing.T) {
	s, err := loadSettings(t, `
[voice]
backend = Telegram
identity = alice
event_queue = 8

[telegram]
api_id = 42
api_hash = abc
udp_p2p = true
contacts_refresh = 60

[audio]
devices = bluetooth:Headset, wired
disconnect_guard_ms = 250
`)
	require.NoError(t, err)

	assert.Equal(t, backendTelegram, s.Backend())
	assert.Equal(t, "alice", s.Identity())
	assert.Equal(t, 8, s.EventQueue())
	assert.Equal(t, 42, s.APIID())
	assert.True(t, s.UDPP2P())
	assert.Equal(t, time.Minute, s.ContactsRefresh())
	assert.Equal(t, 250*time.Millisecond, s.DisconnectGuard())
	assert.Equal(t, []audioroute.Device{
		{Name: "Headset", Kind: audioroute.BluetoothHeadset},
		{Name: "wired", Kind: audioroute.WiredHeadset},
	}, s.Devices())
}

func TestSettingsValidation(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown backend", "[voice]\nbackend = pstn\n", "unknown voice backend"},
		{"telegram without api", "[voice]\nbackend = telegram\n", "telegram api settings"},
		{"short secret", "[voice]\napi_key_secret = short\n", "at least 32 bytes"},
		{"bad device", "[audio]\ndevices = radio:FM\n", "audio.devices"},
		{"no devices", "[audio]\ndevices = ,\n", "audio.devices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadSettings(t, tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSettingsAccessToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	s, err := loadSettings(t, "[voice]\naccess_token = fixed\n")
	require.NoError(t, err)
	tok, err := s.AccessToken(now)
	require.NoError(t, err)
	assert.Equal(t, "fixed", tok)

	s, err = loadSettings(t, "")
	require.NoError(t, err)
	_, err = s.AccessToken(now)
	assert.Error(t, err)

	secret := strings.Repeat("k", 32)
	s, err = loadSettings(t, "[voice]\nidentity = alice\napi_key_sid = SK1\naccount_sid = AC1\napi_key_secret = "+secret+"\ntoken_ttl = 600\n")
	require.NoError(t, err)
	tok, err = s.AccessToken(now)
	require.NoError(t, err)
	info, err := accesstoken.Verify(tok, []byte(secret), now)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Identity)
	assert.Equal(t, now.Add(10*time.Minute).Unix(), info.Expires.Unix())
}

func TestAdvertisedHost(t *testing.T) {
	host, err := advertisedHost("203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", host)

	_, mask, _ := net.ParseCIDR("127.0.0.1/8")
	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: mask.Mask},
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.ParseIP("192.0.2.10"), Mask: net.CIDRMask(24, 32)},
	}
	host, err = firstIPv4(addrs)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", host)

	_, err = firstIPv4(addrs[:2])
	assert.Error(t, err)
}

func TestSIPMessageFilter(t *testing.T) {
	var buf strings.Builder
	log := newLogger("sip", logrus.DebugLevel, logrus.PanicLevel, logrus.DebugLevel, &buf, isSIPMessage)

	log.Debug("received SIP INVITE")
	log.Info("registered")

	assert.NotContains(t, buf.String(), "INVITE")
	assert.Contains(t, buf.String(), "registered")
	assert.Contains(t, buf.String(), "name=sip")
}
