package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/teamchat/internal/auth"
	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/client"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var (
		secret string
		issuer string
		name   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Mint a development credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("user id must be a positive integer")
			}
			if secret == "" {
				return fmt.Errorf("--secret or JWT_SECRET is required")
			}
			tok, err := auth.IssueToken(secret, issuer, userID, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HMAC signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", envOr("JWT_ISSUER", "teamchat"), "token issuer")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "validity")
	return cmd
}

func historyCmd(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		before int64
	)
	cmd := &cobra.Command{
		Use:   "history [team-id]",
		Short: "Print a page of a team's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID, err := parseTeam(args[0])
			if err != nil {
				return err
			}
			if err := opts.requireToken(); err != nil {
				return err
			}

			msgs, err := client.NewHTTPHistory(opts.server, opts.token, nil).Page(cmd.Context(), teamID, limit, before)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Time", "User", "Message"})
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			for _, m := range msgs {
				table.Append([]string{
					strconv.FormatInt(m.ID, 10),
					m.CreatedAt.Local().Format(time.DateTime),
					author(m),
					m.Content,
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "page size (server default when 0)")
	cmd.Flags().Int64Var(&before, "before", 0, "only messages older than this id")
	return cmd
}

func tailCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail [team-id]",
		Short: "Follow a team's chat: recent history, then live messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID, err := parseTeam(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c, err := dial(ctx, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			printed := 0
			var rec *client.Reconciler
			flush := func() {
				timeline := rec.Timeline()
				for _, m := range timeline[min(printed, len(timeline)):] {
					printMessage(m)
				}
				printed = len(timeline)
			}

			rec = client.NewReconciler(client.NewHTTPHistory(opts.server, opts.token, nil), c, nil)
			rec.OnError(func(f chat.ServerFrame) {
				color.Red.Printf("error (%s): %s\n", f.Code, f.Error)
			})

			frames := make(chan chat.ServerFrame, 64)
			runErr := make(chan error, 1)
			go func() { runErr <- c.Run(ctx, func(f chat.ServerFrame) { frames <- f }) }()

			if err := rec.Select(ctx, teamID); err != nil {
				return err
			}
			flush()

			for {
				select {
				case f := <-frames:
					rec.Dispatch(f)
					if f.Type == chat.FrameSubscribed {
						color.Gray.Printf("-- live on team %d --\n", f.TeamID)
					}
					flush()
				case err := <-runErr:
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
			}
		},
	}
}

func sendCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send [team-id] [message]",
		Short: "Send one message and wait for the server echo",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID, err := parseTeam(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := dial(ctx, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			result := make(chan error, 1)
			report := func(err error) {
				select {
				case result <- err:
				default:
				}
			}
			want := strings.TrimSpace(args[1])
			go func() {
				sent := false
				err := c.Run(ctx, func(f chat.ServerFrame) {
					switch {
					case f.Type == chat.FrameSubscribed && !sent:
						sent = true
						if err := c.Send(teamID, args[1]); err != nil {
							report(err)
						}
					case f.Type == chat.FrameMessage && sent && f.Content == want:
						printMessage(f.Message())
						report(nil)
					case f.Type == chat.FrameError:
						report(chat.NewError(chat.Kind(f.Code), f.Error, nil))
					}
				})
				report(err)
			}()

			if err := c.Subscribe(teamID); err != nil {
				return err
			}
			return <-result
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up after this long")
	return cmd
}

func dial(ctx context.Context, opts *globalOptions) (*client.Client, error) {
	if err := opts.requireToken(); err != nil {
		return nil, err
	}
	wsURL, err := opts.wsURL()
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, wsURL, opts.token, nil, nil)
}

func parseTeam(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("team id must be a positive integer, got %q", raw)
	}
	return id, nil
}

func author(m chat.Message) string {
	if m.UserName != "" {
		return m.UserName
	}
	return "user " + strconv.FormatInt(m.UserID, 10)
}

func printMessage(m chat.Message) {
	color.Gray.Printf("%s ", m.CreatedAt.Local().Format(time.TimeOnly))
	color.Cyan.Printf("%s: ", author(m))
	fmt.Println(m.Content)
}
