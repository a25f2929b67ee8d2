// Package server exposes the game service and the job queue over the
// pbem.v1.Orchestrator gRPC service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/pbem-host/api/pbemv1"
	"github.com/ChuLiYu/pbem-host/internal/game"
	"github.com/ChuLiYu/pbem-host/internal/jobs"
	"github.com/ChuLiYu/pbem-host/internal/queue"
	"github.com/ChuLiYu/pbem-host/internal/service"
	"github.com/ChuLiYu/pbem-host/internal/store"
	"github.com/ChuLiYu/pbem-host/internal/worker"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// StatsSource reports queue statistics.
type StatsSource interface {
	Stats() queue.Stats
}

// Server implements pbemv1.OrchestratorServer.
type Server struct {
	pbemv1.UnimplementedOrchestratorServer

	svc    *service.Service
	source worker.JobSource
	stats  StatsSource
	log    *slog.Logger

	grpc *grpc.Server
}

// New creates a server. source serves remote workers; stats may be nil.
func New(svc *service.Service, source worker.JobSource, stats StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, source: source, stats: stats, log: logger}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	pbemv1.RegisterOrchestratorServer(s.grpc, s)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("Admin service listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop waits for in-flight calls and closes the listeners.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	switch code {
	case codes.OK:
		s.log.Debug("RPC", "method", info.FullMethod, "duration", time.Since(start))
	case codes.Internal, codes.Unknown:
		s.log.Error("RPC failed", "method", info.FullMethod, "code", code, "error", err)
	default:
		s.log.Info("RPC rejected", "method", info.FullMethod, "code", code, "error", err)
	}
	return resp, err
}

// Dial connects to a node's admin service.
func Dial(addr string) (*pbemv1.OrchestratorClient, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return pbemv1.NewOrchestratorClient(conn), conn, nil
}

// ============================================================================
// Admin
// ============================================================================

func (s *Server) RunTurn(ctx context.Context, in *pbemv1.RunTurnRequest) (*pbemv1.RunTurnResponse, error) {
	if in.Turn < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "turn %d", in.Turn)
	}
	args := jobs.RunTurnArgs{
		Game:         game.ID(in.GameID),
		Turn:         fx.None[int](),
		ForceParse:   in.ForceParse,
		ForceMerge:   in.ForceMerge,
		ForceProcess: in.ForceProcess,
	}
	if in.Turn > 0 {
		args.Turn = fx.Some(in.Turn)
	}
	id, err := s.svc.RunTurn(ctx, args)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pbemv1.RunTurnResponse{JobID: string(id)}, nil
}

func (s *Server) GetJobStatus(ctx context.Context, in *pbemv1.JobStatusRequest) (*pbemv1.JobStatusResponse, error) {
	if in.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	st, err := s.svc.JobStatus(ctx, types.JobID(in.JobID))
	if err != nil {
		return nil, toStatus(err)
	}
	return &pbemv1.JobStatusResponse{JobID: in.JobID, Status: string(st)}, nil
}

func (s *Server) Reconcile(ctx context.Context, in *pbemv1.ReconcileRequest) (*pbemv1.ReconcileResponse, error) {
	id := fx.None[game.ID]()
	if in.GameID > 0 {
		id = fx.Some(game.ID(in.GameID))
	}
	outcomes, err := s.svc.Reconcile(ctx, id)
	if err != nil && id.IsSome() {
		return nil, toStatus(err)
	}
	resp := &pbemv1.ReconcileResponse{}
	for _, o := range outcomes {
		resp.Outcomes = append(resp.Outcomes, pbemv1.ReconcileOutcome{
			GameID:   int64(o.Game),
			Upserted: o.Upserted,
			Removed:  o.Removed,
		})
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp, nil
}

func (s *Server) GameCommand(ctx context.Context, in *pbemv1.GameCommandRequest) (*pbemv1.GameCommandResponse, error) {
	id := game.ID(in.GameID)
	opts := game.Options{Schedule: in.Schedule, TimeZone: in.TimeZone, ServerAddress: in.ServerAddress}
	if in.Command != pbemv1.CommandCreate && in.Command != pbemv1.CommandList && id <= 0 {
		return nil, status.Error(codes.InvalidArgument, "game id is required")
	}

	resp := &pbemv1.GameCommandResponse{}
	var (
		g   game.Game
		err error
	)
	switch in.Command {
	case pbemv1.CommandCreate:
		g, err = s.svc.CreateGame(ctx, service.CreateGameRequest{Name: in.Name, Type: game.Type(in.Type), Options: opts})
	case pbemv1.CommandStart:
		g, err = s.svc.StartGame(ctx, id)
	case pbemv1.CommandPause:
		g, err = s.svc.PauseGame(ctx, id)
	case pbemv1.CommandResume:
		g, err = s.svc.ResumeGame(ctx, id)
	case pbemv1.CommandStop:
		g, err = s.svc.StopGame(ctx, id)
	case pbemv1.CommandOptions:
		g, err = s.svc.UpdateOptions(ctx, id, opts)
	case pbemv1.CommandJoin:
		var p game.Player
		p, err = s.svc.JoinFaction(ctx, id, service.JoinRequest{Name: in.Name, Email: in.Email, Password: in.Password})
		resp.Players = []pbemv1.PlayerInfo{playerInfo(p)}
	case pbemv1.CommandQuit:
		var p game.Player
		p, err = s.svc.QuitFaction(ctx, id, in.Email, in.Password)
		resp.Players = []pbemv1.PlayerInfo{playerInfo(p)}
	case pbemv1.CommandOrders:
		resp.Turn, err = s.svc.SubmitOrders(ctx, id, in.Email, in.Password, in.Orders)
	case pbemv1.CommandShow:
		if g, err = s.svc.Game(ctx, id); err == nil {
			var players []game.Player
			players, err = s.svc.Players(ctx, id)
			for _, p := range players {
				resp.Players = append(resp.Players, playerInfo(p))
			}
		}
	case pbemv1.CommandList:
		var games []game.Game
		games, err = s.svc.Games(ctx)
		for _, g := range games {
			resp.Games = append(resp.Games, gameInfo(g))
		}
		return resp, toStatus(err)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown command %q", in.Command)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	if g.ID != 0 {
		resp.Games = []pbemv1.GameInfo{gameInfo(g)}
	}
	return resp, nil
}

func (s *Server) Stats(ctx context.Context, in *pbemv1.StatsRequest) (*pbemv1.StatsResponse, error) {
	if s.stats == nil {
		return nil, status.Error(codes.Unimplemented, "this node has no queue")
	}
	st := s.stats.Stats()
	resp := &pbemv1.StatsResponse{
		UptimeMs:  st.Uptime.Milliseconds(),
		Jobs:      st.Jobs,
		Recurring: st.Recurring,
		LastSeq:   st.LastSeq,
	}
	for _, w := range st.Workers {
		resp.Workers = append(resp.Workers, pbemv1.WorkerStatus{ID: w.ID, Load: w.Load, LastSeen: w.LastSeen.UnixMilli()})
	}
	return resp, nil
}

// ============================================================================
// Remote workers
// ============================================================================

func (s *Server) PollJobs(ctx context.Context, in *pbemv1.PollJobsRequest) (*pbemv1.PollJobsResponse, error) {
	if in.WorkerID == "" {
		return nil, status.Error(codes.InvalidArgument, "worker id is required")
	}
	claimed, err := s.source.Poll(ctx, in.WorkerID, max(in.MaxJobs, 1))
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &pbemv1.PollJobsResponse{}
	for _, j := range claimed {
		resp.Jobs = append(resp.Jobs, pbemv1.JobFrom(j))
	}
	return resp, nil
}

func (s *Server) AcknowledgeJob(ctx context.Context, in *pbemv1.AcknowledgeJobRequest) (*pbemv1.AcknowledgeJobResponse, error) {
	err := s.source.Acknowledge(ctx, in.WorkerID, worker.ResultFrom(in))
	if errors.Is(err, queue.ErrStaleAck) {
		s.log.Warn("Stale acknowledgement", "worker", in.WorkerID, "job", in.JobID)
		return &pbemv1.AcknowledgeJobResponse{Accepted: false}, nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &pbemv1.AcknowledgeJobResponse{Accepted: true}, nil
}

func (s *Server) Heartbeat(ctx context.Context, in *pbemv1.HeartbeatRequest) (*pbemv1.HeartbeatResponse, error) {
	if err := s.source.Heartbeat(ctx, in.WorkerID, in.Load); err != nil {
		return nil, toStatus(err)
	}
	return &pbemv1.HeartbeatResponse{Acknowledged: true}, nil
}

// ============================================================================
// Helpers
// ============================================================================

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var ve *game.ValidationError
	code := codes.Internal
	switch {
	case errors.As(err, &ve) && ve.Code == game.CodeForbidden:
		code = codes.PermissionDenied
	case errors.As(err, &ve):
		code = codes.InvalidArgument
	case errors.Is(err, store.ErrGameNotFound),
		errors.Is(err, store.ErrPlayerNotFound),
		errors.Is(err, store.ErrTurnNotFound),
		errors.Is(err, queue.ErrJobNotFound):
		code = codes.NotFound
	case game.IsContractViolation(err), errors.Is(err, queue.ErrStaleAck):
		code = codes.FailedPrecondition
	case errors.Is(err, worker.ErrPoolClosed),
		errors.Is(err, queue.ErrStopped),
		errors.Is(err, queue.ErrNotStarted):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

func gameInfo(g game.Game) pbemv1.GameInfo {
	return pbemv1.GameInfo{
		ID:            int64(g.ID),
		Name:          g.Name,
		Status:        string(g.Status),
		Type:          string(g.Type),
		Schedule:      g.Options.Schedule,
		TimeZone:      g.Options.TimeZone,
		ServerAddress: g.Options.ServerAddress,
		LastTurn:      g.LastTurn.OrElse(0),
		NextTurn:      g.NextTurn.OrElse(0),
	}
}

func playerInfo(p game.Player) pbemv1.PlayerInfo {
	return pbemv1.PlayerInfo{
		ID:     p.ID,
		Number: p.Number.OrElse(0),
		Name:   p.Name,
		Email:  p.Email,
		Quit:   p.IsQuit,
	}
}
