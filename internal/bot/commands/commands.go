package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/digichar/keeper/internal/auction"
	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/protocol"
	"github.com/digichar/keeper/internal/store"
	"github.com/digichar/keeper/internal/telemetry"
)

// Coordinator is the part of the auction coordinator the commands use.
type Coordinator interface {
	Status() auction.Status
	Trigger()
}

// ConfigManager reads and writes protocol config fields.
type ConfigManager interface {
	Get(ctx context.Context, field chain.Field) (string, error)
	Set(ctx context.Context, field chain.Field, raw string) (protocol.Result, error)
}

// Request is a parsed slash command.
type Request struct {
	Command string
	Options map[string]string
	// Admin is true when the caller holds the Administrator permission.
	Admin bool
}

// Handlers process Discord interactions.
type Handlers struct {
	coord  Coordinator
	config ConfigManager
	reader chain.Reader
	ledger store.LedgerRepository
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandlers creates new command handlers.
func NewHandlers(coord Coordinator, cfg ConfigManager, reader chain.Reader, ledger store.LedgerRepository, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		coord:  coord,
		config: cfg,
		reader: reader,
		ledger: ledger,
		logger: logger,
		tracer: tp.Tracer("github.com/digichar/keeper/internal/bot/commands"),
	}
}

var adminOnly = int64(discordgo.PermissionAdministrator)

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	fields := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(chain.Fields))
	for _, f := range chain.Fields {
		fields = append(fields, &discordgo.ApplicationCommandOptionChoice{Name: string(f.Name), Value: string(f.Name)})
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        "keeper-status",
			Description: "Show the auction coordinator's current state",
		},
		{
			Name:        "keeper-round",
			Description: "Show a round's chain state and close ledger entry",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "round",
					Description: "Round id (default: current)",
					Required:    false,
				},
			},
		},
		{
			Name:                     "keeper-poll",
			Description:              "Run a coordinator step now (admin only)",
			DefaultMemberPermissions: &adminOnly,
		},
		{
			Name:                     "keeper-config",
			Description:              "Read or update a protocol config field (updates are admin only)",
			DefaultMemberPermissions: &adminOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "field",
					Description: "Config field",
					Required:    true,
					Choices:     fields,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "value",
					Description: "New value: an address or a base-10 integer",
					Required:    false,
				},
			},
		},
		{
			Name:                     "keeper-reset",
			Description:              "Retry a round whose close was abandoned (admin only)",
			DefaultMemberPermissions: &adminOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "round",
					Description: "Round id",
					Required:    true,
				},
			},
		},
	}
}

// InteractionCreate handles incoming slash command interactions.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()

	req := Request{
		Command: data.Name,
		Options: make(map[string]string, len(data.Options)),
		Admin:   i.Member != nil && i.Member.Permissions&discordgo.PermissionAdministrator != 0,
	}
	for _, opt := range data.Options {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionInteger:
			req.Options[opt.Name] = strconv.FormatInt(opt.IntValue(), 10)
		default:
			req.Options[opt.Name] = opt.StringValue()
		}
	}

	respond(s, i, h.Execute(context.Background(), req))
}

// Execute runs a command and returns the reply text.
func (h *Handlers) Execute(ctx context.Context, req Request) string {
	ctx, span := h.tracer.Start(ctx, "Execute",
		trace.WithAttributes(
			attribute.String("command", req.Command),
			attribute.Bool("admin", req.Admin),
		),
	)
	defer span.End()

	var (
		msg string
		err error
	)
	switch req.Command {
	case "keeper-status":
		msg = h.handleStatus()
	case "keeper-round":
		msg, err = h.handleRound(ctx, req)
	case "keeper-poll":
		msg, err = h.handlePoll(req)
	case "keeper-config":
		msg, err = h.handleConfig(ctx, req)
	case "keeper-reset":
		msg, err = h.handleReset(ctx, req)
	default:
		return "Unknown command"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.LogWithTrace(ctx, h.logger).WarnContext(ctx, "command failed",
			slog.String("command", req.Command),
			slog.Any("error", err),
		)
		return "Error: " + err.Error()
	}
	return msg
}

var errNotAdmin = errors.New("this command requires the Administrator permission")

func (h *Handlers) handleStatus() string {
	st := h.coord.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "**Keeper** state `%s`\n", st.State)
	if st.RoundID > 0 {
		fmt.Fprintf(&b, "Round **%d** is `%s`", st.RoundID, st.Phase)
		if !st.EndTime.IsZero() {
			fmt.Fprintf(&b, ", ends <t:%d:R>", st.EndTime.Unix())
		}
		b.WriteString("\n")
	}
	if st.LastTick.IsZero() {
		b.WriteString("No tick yet (standby or starting)\n")
	} else {
		fmt.Fprintf(&b, "Last tick <t:%d:R>\n", st.LastTick.Unix())
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "Last error: `%s`\n", st.LastError)
	}
	return b.String()
}

func (h *Handlers) handleRound(ctx context.Context, req Request) (string, error) {
	var (
		id  uint64
		err error
	)
	if raw, ok := req.Options["round"]; ok {
		if id, err = parseRound(raw); err != nil {
			return "", err
		}
	} else if id, err = h.reader.CurrentRoundID(ctx); err != nil {
		return "", fmt.Errorf("reading current round failed: %w", err)
	}

	r, err := h.reader.Round(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reading round %d failed: %w", id, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Round %d**\n", id)
	if r.Closed {
		b.WriteString("Chain: closed\n")
	} else {
		fmt.Fprintf(&b, "Chain: open, ends <t:%d:R>\n", r.EndTime.Unix())
	}

	if out, err := h.reader.Outcome(ctx, id); err == nil {
		leader := "no bids"
		if out.TopBidder != nil {
			leader = out.TopBidder.Hex()
		}
		fmt.Fprintf(&b, "Leading character: #%d (pool %s wei, top bidder %s)\n", out.WinningIndex, out.PoolBalance, leader)
	}

	entry, err := h.ledger.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		b.WriteString("Ledger: no entry\n")
	case err != nil:
		return "", fmt.Errorf("reading ledger for round %d failed: %w", id, err)
	default:
		fmt.Fprintf(&b, "Ledger: `%s` by %s, %d failed attempts", entry.Status, entry.Owner, entry.Attempts)
		if entry.TxHash != nil {
			fmt.Fprintf(&b, ", tx `%s`", *entry.TxHash)
		}
		b.WriteString("\n")
		if entry.LastError != nil {
			fmt.Fprintf(&b, "Last error: `%s`\n", *entry.LastError)
		}
	}
	return b.String(), nil
}

func (h *Handlers) handlePoll(req Request) (string, error) {
	if !req.Admin {
		return "", errNotAdmin
	}
	h.coord.Trigger()
	return "Coordinator step requested.", nil
}

func (h *Handlers) handleConfig(ctx context.Context, req Request) (string, error) {
	field := chain.Field(req.Options["field"])
	value, ok := req.Options["value"]
	if !ok || value == "" {
		current, err := h.config.Get(ctx, field)
		if err != nil {
			return "", fmt.Errorf("reading %s failed: %w", field, err)
		}
		return fmt.Sprintf("`%s` = `%s`", field, current), nil
	}

	if !req.Admin {
		return "", errNotAdmin
	}
	res, err := h.config.Set(ctx, field, value)
	if err != nil {
		return "", fmt.Errorf("updating %s failed: %w", field, err)
	}
	if res.NoOp {
		return fmt.Sprintf("`%s` is already `%s`, nothing sent.", field, res.Value), nil
	}
	return fmt.Sprintf("Updated `%s` from `%s` to `%s` (tx `%s`)", field, res.Previous, res.Value, res.TxHash), nil
}

func (h *Handlers) handleReset(ctx context.Context, req Request) (string, error) {
	if !req.Admin {
		return "", errNotAdmin
	}
	id, err := parseRound(req.Options["round"])
	if err != nil {
		return "", err
	}
	if err := h.ledger.Reset(ctx, id); err != nil {
		return "", fmt.Errorf("resetting round %d failed: %w", id, err)
	}
	h.coord.Trigger()
	return fmt.Sprintf("Round **%d** reset, the coordinator will retry the close.", id), nil
}

func parseRound(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid round %q", raw)
	}
	return id, nil
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}
