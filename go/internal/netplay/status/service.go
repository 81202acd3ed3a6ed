package status

import (
	"context"
	"encoding/json"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mcdev12/netplay/go/internal/netplay/lifecycle"
)

const (
	ServiceName = "netplay.v1.StatusService"

	GetStatusProcedure = "/" + ServiceName + "/GetStatus"
)

// Source is anything that can report the live state of a match
type Source interface {
	Status() lifecycle.Status
}

type GetStatusRequest struct{}

type Settings struct {
	Common uint32 `json:"common"`
	P1     uint32 `json:"p1"`
	P2     uint32 `json:"p2"`
}

type GetStatusResponse struct {
	Phase      string    `json:"phase"`
	Role       string    `json:"role,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	P1Name     string    `json:"p1Name,omitempty"`
	P2Name     string    `json:"p2Name,omitempty"`
	Settings   *Settings `json:"settings,omitempty"`
	Delay      uint32    `json:"delay"`
	Frame      uint64    `json:"frame"`
	Rounds     int       `json:"rounds"`
	Spectators int       `json:"spectators"`
}

// jsonCodec lets connect carry plain Go structs. It replaces the built-in
// "json" codec, which only accepts protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Service answers status queries from a Source
type Service struct {
	source Source
}

func NewService(source Source) *Service {
	return &Service{source: source}
}

func (s *Service) GetStatus(
	ctx context.Context,
	req *connect.Request[GetStatusRequest],
) (*connect.Response[GetStatusResponse], error) {
	return connect.NewResponse(toResponse(s.source.Status())), nil
}

func toResponse(st lifecycle.Status) *GetStatusResponse {
	resp := &GetStatusResponse{
		Phase:      st.Phase.String(),
		Role:       string(st.Role),
		SessionID:  st.SessionID,
		P1Name:     st.P1Name,
		P2Name:     st.P2Name,
		Delay:      uint32(st.Delay),
		Frame:      st.Frame,
		Rounds:     st.Rounds,
		Spectators: st.Spectators,
	}
	if st.Settings != nil {
		resp.Settings = &Settings{
			Common: st.Settings.Common,
			P1:     st.Settings.P1,
			P2:     st.Settings.P2,
		}
	}
	return resp
}

// NewStatusServiceHandler returns the mount path and handler of the service
func NewStatusServiceHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	getStatus := connect.NewUnaryHandler(GetStatusProcedure, svc.GetStatus, opts...)

	mux := http.NewServeMux()
	mux.Handle(GetStatusProcedure, getStatus)
	return "/" + ServiceName + "/", mux
}

// Client queries a remote status service
type Client struct {
	getStatus *connect.Client[GetStatusRequest, GetStatusResponse]
}

func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		getStatus: connect.NewClient[GetStatusRequest, GetStatusResponse](httpClient, baseURL+GetStatusProcedure, opts...),
	}
}

func (c *Client) GetStatus(ctx context.Context) (*GetStatusResponse, error) {
	resp, err := c.getStatus.CallUnary(ctx, connect.NewRequest(&GetStatusRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
