package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	enjambre "github.com/enjambre/enjambre-sync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// pins list
	pinsListLat        float64
	pinsListLng        float64
	pinsListRadius     float64
	pinsListCategories []string
	pinsListType       string
	pinsListFacet      string
	pinsListJSON       bool

	// pins publish
	pinsPublishType     string
	pinsPublishCategory string
	pinsPublishDesc     string
	pinsPublishLat      float64
	pinsPublishLng      float64
	pinsPublishJSON     bool

	// pins attend
	pinsAttendJSON bool

	// conversations
	conversationsJSON bool

	// messages watch
	messagesWatchJSON bool

	// watch
	watchJSON          bool
	watchWebhookURL    string
	watchWebhookSecret string
)

// ============================================================================
// Root pins command
// ============================================================================

var pinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "Browse, publish and resolve pins",
	Long:  "Work with needs and offers on the board: list what is nearby, publish your own, attend someone else's and resolve yours.",
}

// ============================================================================
// pins list
// ============================================================================

var pinsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pins around a location",
	Long:  "Wait for the first pin snapshot and print the filtered view.\nFilter flags are saved and reused by later commands.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		coord := s.core.Coordinator()
		if cmd.Flags().Changed("radius") || cmd.Flags().Changed("category") || cmd.Flags().Changed("type") {
			f := coord.Filters()
			if cmd.Flags().Changed("radius") {
				f.RadiusKm = pinsListRadius
			}
			if cmd.Flags().Changed("type") {
				f.Type = enjambre.PinType(pinsListType)
			}
			if cmd.Flags().Changed("category") {
				f.Categories = make(map[enjambre.Category]bool, len(enjambre.AllCategories))
				for _, c := range enjambre.AllCategories {
					f.Categories[c] = false
				}
				for _, c := range pinsListCategories {
					f.Categories[enjambre.Category(strings.TrimSpace(c))] = true
				}
			}
			if err := coord.SetFilters(f); err != nil {
				return commandError(err)
			}
		}

		var loc *enjambre.LatLng
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
			loc = &enjambre.LatLng{Lat: pinsListLat, Lng: pinsListLng}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.connect(ctx); err != nil {
			return commandError(err)
		}

		first := make(chan struct{}, 1)
		unsub, err := coord.Subscribe(loc, s.cfg.User.ID, func([]enjambre.PinView) {
			select {
			case first <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return commandError(err)
		}
		defer unsub()

		select {
		case <-first:
		case <-ctx.Done():
			return fmt.Errorf("no pin snapshot received: %w", ctx.Err())
		}

		var views []enjambre.PinView
		switch pinsListFacet {
		case "", "all":
			views = coord.View()
		case "nearby":
			views = coord.NearbyPins()
		case "mine":
			views = coord.MyPins()
		case "attending":
			views = coord.AttendingPins()
		default:
			return fmt.Errorf("unknown facet %q (valid: all, nearby, mine, attending)", pinsListFacet)
		}

		if pinsListJSON {
			return printJSON(views)
		}
		if len(views) == 0 {
			fmt.Println("No pins.")
			return nil
		}
		for _, v := range views {
			dist := "    ?"
			if v.HasDistance {
				dist = fmt.Sprintf("%5.1fkm", v.DistanceKm)
			}
			flags := ""
			if v.Mine() {
				flags += " [mine]"
			}
			if v.Attending {
				flags += " [attending]"
			}
			if v.Pending {
				flags += " [pending]"
			}
			fmt.Printf("%-24s %-5s %-10s %s %-8s %s%s\n", v.ID, v.Type, v.Category, dist, v.RelativeTime, v.Description, flags)
		}
		return nil
	},
}

// ============================================================================
// pins publish
// ============================================================================

var pinsPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a need or an offer",
	Long:  "Publish a pin. When the board is unreachable the pin is queued locally and sent by 'enjambre queue drain'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		draft := enjambre.PinDraft{
			Type:        enjambre.PinType(pinsPublishType),
			Category:    enjambre.Category(pinsPublishCategory),
			Description: strings.TrimSpace(pinsPublishDesc),
		}
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
			draft.Coordinates = &enjambre.LatLng{Lat: pinsPublishLat, Lng: pinsPublishLng}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := s.core.Publish(ctx, draft)
		if enjambre.IsTransient(err) {
			s.core.Connectivity().SetOnline(false)
			res, err = s.core.Publish(ctx, draft)
		}
		if err != nil {
			return commandError(err)
		}

		if pinsPublishJSON {
			return printJSON(res)
		}
		if res.Pending {
			fmt.Printf("Board unreachable, pin queued as %s (%d pending)\n", res.ID, s.core.PendingCount())
			return nil
		}
		fmt.Printf("Published %s\n", res.ID)
		return nil
	},
}

// ============================================================================
// pins resolve
// ============================================================================

var pinsResolveCmd = &cobra.Command{
	Use:   "resolve <pin-id>",
	Short: "Mark one of your pins as resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.core.Coordinator().Resolve(ctx, args[0]); err != nil {
			return commandError(err)
		}
		fmt.Printf("Resolved %s\n", args[0])
		return nil
	},
}

// ============================================================================
// pins attend
// ============================================================================

var pinsAttendCmd = &cobra.Command{
	Use:   "attend <pin-id>",
	Short: "Offer help on a pin and open a conversation with its owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		pin, err := s.remote.GetPin(ctx, args[0])
		if err != nil {
			return commandError(err)
		}
		conv, err := s.core.Coordinator().Attend(ctx, *pin, s.cfg.User.ID, s.cfg.User.Alias)
		if err != nil {
			return commandError(err)
		}

		if pinsAttendJSON {
			return printJSON(conv)
		}
		fmt.Printf("Attending %s as %s\n", pin.ID, conv.ParticipantAlias)
		fmt.Printf("Conversation: %s\n", conv.ID)
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations <pin-id>",
	Short: "List conversations on a pin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		convs, err := s.core.Coordinator().Conversations(ctx, args[0])
		if err != nil {
			return commandError(err)
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			unread := ""
			if c.UnreadByOwner {
				unread = " *"
			}
			fmt.Printf("%-24s %-16s %s%s\n", c.ID, c.ParticipantAlias, c.LastMessageText, unread)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Send, read and follow conversation messages",
}

var messagesSendCmd = &cobra.Command{
	Use:   "send <pin-id> <conversation-id> <text>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		msg, err := s.core.Coordinator().SendMessage(ctx, args[0], args[1], strings.Join(args[2:], " "))
		if err != nil {
			return commandError(err)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

var messagesReadCmd = &cobra.Command{
	Use:   "read <pin-id> <conversation-id>",
	Short: "Mark a conversation on your pin as read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.core.Fanout().MarkRead(ctx, args[0], args[1]); err != nil {
			return commandError(err)
		}
		fmt.Println("Marked as read")
		return nil
	},
}

var messagesWatchCmd = &cobra.Command{
	Use:   "watch <pin-id> <conversation-id>",
	Short: "Follow a conversation until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := interruptContext()
		defer stop()
		if err := s.connect(ctx); err != nil {
			return commandError(err)
		}

		pinID, convID := args[0], args[1]
		s.core.Fanout().SetOpenConversation(pinID, convID)
		defer s.core.Fanout().ClearOpenConversation()

		printed := 0
		unsub, err := s.core.Coordinator().SubscribeMessages(pinID, convID, func(msgs []enjambre.Message) {
			if len(msgs) < printed {
				printed = 0
			}
			for _, m := range msgs[printed:] {
				if messagesWatchJSON {
					printJSON(m)
					continue
				}
				sender := m.SenderID
				if sender == s.cfg.User.ID {
					sender = "you"
				}
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), sender, m.Text)
			}
			printed = len(msgs)
		})
		if err != nil {
			return commandError(err)
		}
		defer unsub()

		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print new messages on your pins until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := interruptContext()
		defer stop()
		if err := s.connect(ctx); err != nil {
			return commandError(err)
		}
		s.core.Start(ctx)

		hook, err := watchWebhook(s)
		if err != nil {
			return commandError(err)
		}
		forward := func(event string, send func(context.Context) error) {
			if hook == nil {
				return
			}
			go func() {
				if err := send(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "webhook %s failed: %v\n", event, err)
				}
			}()
		}

		userID := s.cfg.User.ID
		unsub, err := s.core.Fanout().Subscribe(userID,
			func(n enjambre.Notification) {
				forward(enjambre.WebhookEventMessage, func(ctx context.Context) error { return hook.Notify(ctx, userID, n) })
				if watchJSON {
					printJSON(n)
					return
				}
				fmt.Printf("%s on your %s pin %s: %s\n", n.ParticipantAlias, n.Category, n.PinID, n.LastMessage)
			},
			func(unread int) {
				forward(enjambre.WebhookEventUnread, func(ctx context.Context) error { return hook.UnreadCount(ctx, userID, unread) })
				if !watchJSON {
					fmt.Printf("Unread conversations: %d\n", unread)
				}
			})
		if err != nil {
			return commandError(err)
		}
		defer unsub()

		fmt.Println("Watching for messages, press Ctrl-C to stop.")
		<-ctx.Done()
		return nil
	},
}

// watchWebhook builds the notification forwarder from flags or config, or
// returns nil when none is configured.
func watchWebhook(s *session) (*enjambre.WebhookSender, error) {
	url := valueOrDefault(watchWebhookURL, s.cfg.Webhook.URL)
	if url == "" {
		return nil, nil
	}
	secret := valueOrDefault(watchWebhookSecret, s.cfg.Webhook.Secret)
	return enjambre.NewWebhookSender(url, secret, &enjambre.WebhookSenderOptions{Logger: s.logger})
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	// pins list
	pinsListCmd.Flags().Float64Var(&pinsListLat, "lat", 0, "Latitude of the viewer")
	pinsListCmd.Flags().Float64Var(&pinsListLng, "lng", 0, "Longitude of the viewer")
	pinsListCmd.Flags().Float64Var(&pinsListRadius, "radius", 10, "Radius in km")
	pinsListCmd.Flags().StringSliceVar(&pinsListCategories, "category", nil, "Categories to show (repeatable)")
	pinsListCmd.Flags().StringVar(&pinsListType, "type", "all", "Pin type: need, offer or all")
	pinsListCmd.Flags().StringVar(&pinsListFacet, "facet", "all", "View: all, nearby, mine or attending")
	pinsListCmd.Flags().BoolVar(&pinsListJSON, "json", false, "Output raw JSON")

	// pins publish
	pinsPublishCmd.Flags().StringVar(&pinsPublishType, "type", "need", "Pin type: need or offer")
	pinsPublishCmd.Flags().StringVarP(&pinsPublishCategory, "category", "c", "", "Category: water, food, shelter, medicine, tools, volunteers")
	pinsPublishCmd.Flags().StringVarP(&pinsPublishDesc, "desc", "d", "", "Description (up to 500 characters)")
	pinsPublishCmd.Flags().Float64Var(&pinsPublishLat, "lat", 0, "Latitude")
	pinsPublishCmd.Flags().Float64Var(&pinsPublishLng, "lng", 0, "Longitude")
	pinsPublishCmd.Flags().BoolVar(&pinsPublishJSON, "json", false, "Output raw JSON")
	pinsPublishCmd.MarkFlagRequired("category")
	pinsPublishCmd.MarkFlagRequired("desc")

	// pins attend
	pinsAttendCmd.Flags().BoolVar(&pinsAttendJSON, "json", false, "Output raw JSON")

	// conversations
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	// messages watch
	messagesWatchCmd.Flags().BoolVar(&messagesWatchJSON, "json", false, "Output one JSON object per message")

	// watch
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Output one JSON object per notification")
	watchCmd.Flags().StringVar(&watchWebhookURL, "webhook-url", "", "Also POST notifications to this URL (default: webhook.url)")
	watchCmd.Flags().StringVar(&watchWebhookSecret, "webhook-secret", "", "HMAC secret for webhook signatures (default: webhook.secret)")

	pinsCmd.AddCommand(pinsListCmd)
	pinsCmd.AddCommand(pinsPublishCmd)
	pinsCmd.AddCommand(pinsResolveCmd)
	pinsCmd.AddCommand(pinsAttendCmd)

	messagesCmd.AddCommand(messagesSendCmd)
	messagesCmd.AddCommand(messagesReadCmd)
	messagesCmd.AddCommand(messagesWatchCmd)

	rootCmd.AddCommand(pinsCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(watchCmd)
}
