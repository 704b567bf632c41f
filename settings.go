package main

import (
	"fmt"
	"strings"
	"time"

	ini "gopkg.in/ini.v1"

	"easycaller/accesstoken"
	"easycaller/audioroute"
)

// Voice backends selectable in [voice] backend.
const (
	backendSIP      = "sip"
	backendTelegram = "telegram"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	backend      string
	identity     string
	accessToken  string
	accountSID   string
	apiKeySID    string
	apiKeySecret string
	outgoingApp  string
	pushCredSID  string
	tokenTTL     int
	queueSize    int
	notifyTitle  string
	httpListen   string
	wsPath       string

	sipPort        int
	sipPortRange   int
	publicAddress  string
	domain         string
	registrar      string
	bridgeURI      string
	mediaPort      int
	keepAlive      int
	maxMissed      int
	registerExpiry int

	apiID              int
	apiHash            string
	dbFolder           string
	systemLanguageCode string
	deviceModel        string
	systemVersion      string
	applicationVersion string
	udpP2P             bool
	udpReflector       bool
	contactsRefresh    int

	proxyEnabled  bool
	proxyAddress  string
	proxyPort     int
	proxyUsername string
	proxyPassword string

	ringingFile     string
	disconnectFile  string
	volume          int
	maxVolume       int
	disconnectGuard int
	devices         []audioroute.Device

	recordingDir    string
	sampleRate      int
	channels        int
	captureInterval int
}

// LoadSettings reads configuration from ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("voice")
	s.backend = strings.ToLower(sec.Key("backend").MustString(backendSIP))
	s.identity = sec.Key("identity").MustString("easycaller")
	s.accessToken = sec.Key("access_token").String()
	s.accountSID = sec.Key("account_sid").String()
	s.apiKeySID = sec.Key("api_key_sid").String()
	s.apiKeySecret = sec.Key("api_key_secret").String()
	s.outgoingApp = sec.Key("outgoing_application_sid").String()
	s.pushCredSID = sec.Key("push_credential_sid").String()
	s.tokenTTL = sec.Key("token_ttl").MustInt(3600)
	s.queueSize = sec.Key("event_queue").MustInt(32)

	sec = cfg.Section("notify")
	s.notifyTitle = sec.Key("title").MustString("easycaller")

	sec = cfg.Section("http")
	s.httpListen = sec.Key("listen").MustString(":8080")
	s.wsPath = sec.Key("ws_path").MustString("/ws/notify")

	sec = cfg.Section("sip")
	s.sipPort = sec.Key("port").MustInt(5060)
	s.sipPortRange = sec.Key("port_range").MustInt(0)
	s.publicAddress = sec.Key("public_address").String()
	s.domain = sec.Key("domain").String()
	s.registrar = sec.Key("registrar").String()
	s.bridgeURI = sec.Key("bridge_uri").String()
	s.mediaPort = sec.Key("media_port").MustInt(4000)
	s.keepAlive = sec.Key("keepalive").MustInt(30)
	s.maxMissed = sec.Key("max_missed_keepalives").MustInt(3)
	s.registerExpiry = sec.Key("register_expiry").MustInt(3600)

	sec = cfg.Section("telegram")
	s.apiID = sec.Key("api_id").MustInt(0)
	s.apiHash = sec.Key("api_hash").String()
	s.dbFolder = sec.Key("database_folder").MustString("/data")
	s.systemLanguageCode = sec.Key("system_language_code").MustString("en-US")
	s.deviceModel = sec.Key("device_model").MustString("PC")
	s.systemVersion = sec.Key("system_version").MustString("Linux")
	s.applicationVersion = sec.Key("application_version").MustString("1.0")
	s.udpP2P = sec.Key("udp_p2p").MustBool(false)
	s.udpReflector = sec.Key("udp_reflector").MustBool(true)
	s.contactsRefresh = sec.Key("contacts_refresh").MustInt(3600)

	s.proxyEnabled = sec.Key("use_proxy").MustBool(false)
	s.proxyAddress = sec.Key("proxy_address").String()
	s.proxyPort = sec.Key("proxy_port").MustInt(0)
	s.proxyUsername = sec.Key("proxy_username").String()
	s.proxyPassword = sec.Key("proxy_password").String()

	sec = cfg.Section("audio")
	s.ringingFile = sec.Key("ringing_file").MustString("sounds/ringing.wav")
	s.disconnectFile = sec.Key("disconnect_file").MustString("sounds/disconnect.wav")
	s.volume = sec.Key("volume").MustInt(7)
	s.maxVolume = sec.Key("max_volume").MustInt(15)
	s.disconnectGuard = sec.Key("disconnect_guard_ms").MustInt(0)
	devices, err := parseDevices(sec.Key("devices").MustString("earpiece:Earpiece,speaker:Speaker"))
	if err != nil {
		return nil, fmt.Errorf("audio.devices: %w", err)
	}
	s.devices = devices

	sec = cfg.Section("recording")
	s.recordingDir = sec.Key("directory").MustString("recordings")
	s.sampleRate = sec.Key("sample_rate").MustInt(16000)
	s.channels = sec.Key("channels").MustInt(1)
	s.captureInterval = sec.Key("capture_interval_ms").MustInt(20)

	switch s.backend {
	case backendSIP:
	case backendTelegram:
		if s.apiID == 0 || s.apiHash == "" {
			return nil, fmt.Errorf("telegram api settings must be set")
		}
	default:
		return nil, fmt.Errorf("unknown voice backend %q", s.backend)
	}
	if s.apiKeySecret != "" && len(s.apiKeySecret) < 32 {
		return nil, fmt.Errorf("voice.api_key_secret must be at least 32 bytes")
	}

	return s, nil
}

// parseDevices reads "kind:name" pairs separated by commas.
func parseDevices(v string) ([]audioroute.Device, error) {
	var out []audioroute.Device
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kindName, name, found := strings.Cut(item, ":")
		kind, err := audioroute.ParseKind(kindName)
		if err != nil {
			return nil, err
		}
		if !found || strings.TrimSpace(name) == "" {
			name = kind.String()
		}
		out = append(out, audioroute.Device{Name: strings.TrimSpace(name), Kind: kind})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no audio devices configured")
	}
	return out, nil
}

// AccessToken returns the configured token, or mints one from the API key
// when only the key is configured.
func (s *Settings) AccessToken(now time.Time) (string, error) {
	if s.accessToken != "" {
		return s.accessToken, nil
	}
	if s.apiKeySecret == "" {
		return "", fmt.Errorf("neither voice.access_token nor voice.api_key_secret is set")
	}
	return accesstoken.Mint(accesstoken.Grant{
		AccountSID:             s.accountSID,
		APIKeySID:              s.apiKeySID,
		Identity:               s.identity,
		OutgoingApplicationSID: s.outgoingApp,
		PushCredentialSID:      s.pushCredSID,
		IncomingAllow:          true,
		TTL:                    time.Duration(s.tokenTTL) * time.Second,
	}, []byte(s.apiKeySecret), now)
}

func (s *Settings) Backend() string       { return s.backend }
func (s *Settings) Identity() string      { return s.identity }
func (s *Settings) TokenSecret() []byte   { return []byte(s.apiKeySecret) }
func (s *Settings) EventQueue() int       { return s.queueSize }
func (s *Settings) NotifyTitle() string   { return s.notifyTitle }
func (s *Settings) HTTPListen() string    { return s.httpListen }
func (s *Settings) WebsocketPath() string { return s.wsPath }

func (s *Settings) SIPPort() int          { return s.sipPort }
func (s *Settings) SIPPortRange() int     { return s.sipPortRange }
func (s *Settings) PublicAddress() string { return s.publicAddress }
func (s *Settings) Domain() string        { return s.domain }
func (s *Settings) Registrar() string     { return s.registrar }
func (s *Settings) BridgeURI() string     { return s.bridgeURI }
func (s *Settings) MediaPort() int        { return s.mediaPort }
func (s *Settings) MaxMissedKeepAlives() int {
	return s.maxMissed
}

func (s *Settings) KeepAlive() time.Duration {
	return time.Duration(s.keepAlive) * time.Second
}

func (s *Settings) RegisterExpiry() time.Duration {
	return time.Duration(s.registerExpiry) * time.Second
}

func (s *Settings) APIID() int                 { return s.apiID }
func (s *Settings) APIHash() string            { return s.apiHash }
func (s *Settings) DatabaseFolder() string     { return s.dbFolder }
func (s *Settings) SystemLanguageCode() string { return s.systemLanguageCode }
func (s *Settings) DeviceModel() string        { return s.deviceModel }
func (s *Settings) SystemVersion() string      { return s.systemVersion }
func (s *Settings) ApplicationVersion() string { return s.applicationVersion }
func (s *Settings) UDPP2P() bool               { return s.udpP2P }
func (s *Settings) UDPReflector() bool         { return s.udpReflector }

func (s *Settings) ContactsRefresh() time.Duration {
	return time.Duration(s.contactsRefresh) * time.Second
}

func (s *Settings) ProxyEnabled() bool    { return s.proxyEnabled }
func (s *Settings) ProxyAddress() string  { return s.proxyAddress }
func (s *Settings) ProxyPort() int        { return s.proxyPort }
func (s *Settings) ProxyUsername() string { return s.proxyUsername }
func (s *Settings) ProxyPassword() string { return s.proxyPassword }

func (s *Settings) RingingFile() string    { return s.ringingFile }
func (s *Settings) DisconnectFile() string { return s.disconnectFile }
func (s *Settings) Volume() int            { return s.volume }
func (s *Settings) MaxVolume() int         { return s.maxVolume }
func (s *Settings) Devices() []audioroute.Device {
	return append([]audioroute.Device(nil), s.devices...)
}

func (s *Settings) DisconnectGuard() time.Duration {
	return time.Duration(s.disconnectGuard) * time.Millisecond
}

func (s *Settings) RecordingDir() string { return s.recordingDir }
func (s *Settings) SampleRate() int      { return s.sampleRate }
func (s *Settings) Channels() int        { return s.channels }

func (s *Settings) CaptureInterval() time.Duration {
	return time.Duration(s.captureInterval) * time.Millisecond
}
