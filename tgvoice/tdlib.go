//go:build tdlib

package tgvoice

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	client "github.com/zelenin/go-tdlib/client"
)

// session is a logged-in tdlib client.
type session struct {
	cl  *client.Client
	dir *Directory
	log logrus.FieldLogger
}

var _ Session = (*session)(nil)

// Open starts tdlib and authorizes interactively on the console.
func Open(cfg ClientConfig, log logrus.FieldLogger) (Session, error) {
	if log == nil {
		log = logrus.WithField("name", "telegram")
	}
	dataDir := cfg.DatabaseFolder
	if dataDir == "" {
		dataDir = ".tdlib"
	}
	params := &client.SetTdlibParametersRequest{
		UseTestDc:              cfg.UseTestDC,
		DatabaseDirectory:      filepath.Join(dataDir, "database"),
		FilesDirectory:         filepath.Join(dataDir, "files"),
		UseFileDatabase:        true,
		UseChatInfoDatabase:    true,
		UseMessageDatabase:     true,
		UseSecretChats:         false,
		ApiId:                  cfg.APIID,
		ApiHash:                cfg.APIHash,
		SystemLanguageCode:     cfg.SystemLanguageCode,
		DeviceModel:            cfg.DeviceModel,
		SystemVersion:          cfg.SystemVersion,
		ApplicationVersion:     cfg.ApplicationVersion,
		EnableStorageOptimizer: true,
	}

	authorizer := client.ClientAuthorizer(params)
	go client.CliInteractor(authorizer)

	cl, err := client.NewClient(authorizer)
	if err != nil {
		return nil, fmt.Errorf("tdlib client: %w", err)
	}

	if cfg.Proxy.Address != "" && cfg.Proxy.Port != 0 {
		_, err := cl.AddProxy(&client.AddProxyRequest{
			Server: cfg.Proxy.Address,
			Port:   cfg.Proxy.Port,
			Enable: true,
			Type: &client.ProxyTypeSocks5{
				Username: cfg.Proxy.Username,
				Password: cfg.Proxy.Password,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("add proxy: %w", err)
		}
	}

	me, err := cl.GetMe()
	if err != nil {
		return nil, fmt.Errorf("get me: %w", err)
	}
	self := contactOf(me)
	log.Infof("telegram authorized as %s (%d)", self.Label(), self.ID)

	return &session{cl: cl, dir: NewDirectory(), log: log}, nil
}

// ConfigureLogging sends tdlib's own log to path at the given verbosity.
func ConfigureLogging(path string, verbosity int32) error {
	if _, err := client.SetLogStream(&client.SetLogStreamRequest{
		LogStream: &client.LogStreamFile{Path: path, MaxFileSize: 100 * 1024 * 1024},
	}); err != nil {
		return err
	}
	_, err := client.SetLogVerbosityLevel(&client.SetLogVerbosityLevelRequest{NewVerbosityLevel: verbosity})
	return err
}

// CloseLogging detaches tdlib from its log file.
func CloseLogging() {
	_, _ = client.SetLogStream(&client.SetLogStreamRequest{LogStream: &client.LogStreamEmpty{}})
}

func protocolOf(p Protocol) *client.CallProtocol {
	return &client.CallProtocol{
		UdpP2p:       p.UDPP2P,
		UdpReflector: p.UDPReflector,
		MinLayer:     p.MinLayer,
		MaxLayer:     p.MaxLayer,
	}
}

func (s *session) CreateCall(userID int64, p Protocol) (int32, error) {
	id, err := s.cl.CreateCall(&client.CreateCallRequest{UserId: userID, Protocol: protocolOf(p)})
	if err != nil {
		return 0, err
	}
	return id.Id, nil
}

func (s *session) AcceptCall(callID int32, p Protocol) error {
	_, err := s.cl.AcceptCall(&client.AcceptCallRequest{CallId: callID, Protocol: protocolOf(p)})
	return err
}

func (s *session) DiscardCall(callID int32, disconnected bool, duration time.Duration) error {
	_, err := s.cl.DiscardCall(&client.DiscardCallRequest{
		CallId:         callID,
		IsDisconnected: disconnected,
		Duration:       int32(duration / time.Second),
	})
	return err
}

func (s *session) RegisterDevice(pushToken string) error {
	_, err := s.cl.RegisterDevice(&client.RegisterDeviceRequest{
		DeviceToken: &client.DeviceTokenFirebaseCloudMessaging{Token: pushToken},
	})
	return err
}

func (s *session) SearchUser(query string) (Contact, error) {
	res, err := s.cl.SearchContacts(&client.SearchContactsRequest{Query: query, Limit: 1})
	if err != nil {
		return Contact{}, err
	}
	if len(res.UserIds) == 0 {
		return Contact{}, fmt.Errorf("no contact matches %q", query)
	}
	return s.GetUser(res.UserIds[0])
}

func (s *session) GetUser(id int64) (Contact, error) {
	u, err := s.cl.GetUser(&client.GetUserRequest{UserId: id})
	if err != nil {
		return Contact{}, err
	}
	return contactOf(u), nil
}

// Refresh reloads the contact list into dir.
func (s *session) Refresh(dir *Directory) error {
	ids := map[int64]struct{}{}
	contacts, err := s.cl.GetContacts()
	if err != nil {
		return err
	}
	for _, id := range contacts.UserIds {
		ids[id] = struct{}{}
	}
	// an empty query lists every contact, including ones not yet synced
	if res, err := s.cl.SearchContacts(&client.SearchContactsRequest{Query: "", Limit: 100}); err == nil {
		for _, id := range res.UserIds {
			ids[id] = struct{}{}
		}
	}
	out := make([]Contact, 0, len(ids))
	for id := range ids {
		c, err := s.GetUser(id)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	dir.Set(out)
	s.log.Infof("loaded %d telegram contacts", len(out))
	return nil
}

// Run feeds call, connection and user updates to b until ctx is done. The
// contact directory is refreshed every refresh interval.
func (s *session) Run(ctx context.Context, b *Backend, refresh time.Duration) error {
	if err := s.Refresh(b.Directory()); err != nil {
		s.log.Warnf("initial contacts load failed: %v", err)
	}
	if refresh <= 0 {
		refresh = time.Hour
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	listener := s.cl.GetListener()
	defer listener.Close()

	for {
		select {
		case update, ok := <-listener.Updates:
			if !ok {
				return fmt.Errorf("tdlib listener closed")
			}
			switch u := update.(type) {
			case *client.UpdateCall:
				if u.Call != nil {
					b.HandleCall(callUpdate(u.Call))
				}
			case *client.UpdateConnectionState:
				_, ready := u.State.(*client.ConnectionStateReady)
				b.HandleLink(ready)
			case *client.UpdateUser:
				if u.User != nil {
					b.Directory().Update(contactOf(u.User))
				}
			}
		case <-ticker.C:
			if err := s.Refresh(b.Directory()); err != nil {
				s.log.Warnf("contact refresh failed: %v", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *session) Close() error {
	_, err := s.cl.Close()
	return err
}

func callUpdate(c *client.Call) CallUpdate {
	u := CallUpdate{ID: c.Id, UserID: c.UserId, Outgoing: c.IsOutgoing}
	switch st := c.State.(type) {
	case *client.CallStatePending:
		u.State = StatePending
		u.Received = st.IsReceived
	case *client.CallStateExchangingKeys:
		u.State = StateExchangingKeys
	case *client.CallStateReady:
		u.State = StateReady
	case *client.CallStateHangingUp:
		u.State = StateHangingUp
	case *client.CallStateDiscarded:
		u.State = StateDiscarded
		u.Reason = discardReason(st.Reason)
	case *client.CallStateError:
		u.State = StateError
		if st.Error != nil {
			u.ErrCode = st.Error.Code
			u.ErrText = st.Error.Message
		}
	}
	return u
}

func discardReason(r client.CallDiscardReason) DiscardReason {
	switch r.(type) {
	case *client.CallDiscardReasonMissed:
		return ReasonMissed
	case *client.CallDiscardReasonDeclined:
		return ReasonDeclined
	case *client.CallDiscardReasonDisconnected:
		return ReasonDisconnected
	case *client.CallDiscardReasonHungUp:
		return ReasonHungUp
	default:
		return ReasonEmpty
	}
}

func contactOf(u *client.User) Contact {
	if u == nil {
		return Contact{}
	}
	return Contact{
		ID:        u.Id,
		Username:  username(u),
		Phone:     u.PhoneNumber,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// username returns the primary username of u.
func username(u *client.User) string {
	if u.Usernames == nil {
		return ""
	}
	if u.Usernames.EditableUsername != "" {
		return u.Usernames.EditableUsername
	}
	if len(u.Usernames.ActiveUsernames) > 0 {
		return u.Usernames.ActiveUsernames[0]
	}
	return ""
}
