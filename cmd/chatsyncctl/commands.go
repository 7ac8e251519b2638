package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pairloop/chatsync/internal/account"
	"github.com/pairloop/chatsync/internal/store"
	"github.com/pairloop/chatsync/internal/wire"
)

func newChatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "list cached conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			chats, err := db.ListChats()
			if err != nil {
				return err
			}
			if jsonFlag {
				return json.NewEncoder(os.Stdout).Encode(chats)
			}
			if len(chats) == 0 {
				fmt.Println("no conversations")
				return nil
			}
			for _, c := range chats {
				preview := ""
				if c.LastMessage != nil {
					preview = c.LastMessage.Body
				}
				unseen := ""
				if c.UnseenCount > 0 {
					unseen = fmt.Sprintf(" [%d unseen]", c.UnseenCount)
				}
				fmt.Printf("%d\t%d <-> %d%s\t%s\n", c.ID, c.SenderID, c.ReceiverID, unseen, preview)
			}
			return nil
		},
	}
}

func newMessagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <chat-id>",
		Short: "show the cached message history of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q", args[0])
			}
			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			msgs, err := db.ListMessages(chatID)
			if err != nil {
				return err
			}
			if jsonFlag {
				return json.NewEncoder(os.Stdout).Encode(msgs)
			}
			for _, m := range msgs {
				seen := " "
				if m.IsSeen {
					seen = "*"
				}
				body := m.Body
				if m.Type != wire.KindText {
					body = fmt.Sprintf("[%s]", m.Type)
				}
				fmt.Printf("%s %d: %s\n", seen, m.SentBy, body)
			}
			return nil
		},
	}
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <receiver-id> <text>...",
		Short: "queue a text message for delivery by the daemon",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			receiverID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid receiver id %q", args[0])
			}
			db, id, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			selfID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return fmt.Errorf("account id %q is not numeric", id)
			}

			chatID := wire.UnassignedChat
			if chat, err := db.FindChatByPair(selfID, receiverID); err == nil && chat != nil {
				chatID = chat.ID
			}

			clientID := uuid.NewString()
			if err := db.QueueOutbox(&store.OutboxEntry{
				ClientID:   clientID,
				ChatID:     chatID,
				SenderID:   selfID,
				ReceiverID: receiverID,
				Type:       wire.KindText,
				Body:       strings.Join(args[1:], " "),
			}); err != nil {
				return err
			}
			fmt.Printf("queued %s\n", clientID)
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [chat-id]",
		Short: "clear one conversation's history, or the whole account store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if len(args) == 1 {
				chatID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid chat id %q", args[0])
				}
				if err := db.ClearMessages(chatID); err != nil {
					return err
				}
				fmt.Printf("cleared messages of chat %d\n", chatID)
				return nil
			}
			if err := db.ClearAll(); err != nil {
				return err
			}
			fmt.Println("cleared all cached data")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show daemon and store status for the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := resolveAccount()
			if err != nil {
				return err
			}

			running := false
			pid := 0
			if content, err := os.ReadFile(account.LockPath(id)); err == nil {
				if _, serr := fmt.Sscanf(string(content), "pid=%d", &pid); serr == nil {
					running = true
				}
			}

			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			chats, err := db.ChatCount()
			if err != nil {
				return err
			}
			messages, err := db.MessageCount()
			if err != nil {
				return err
			}
			pending, err := db.PendingOutbox()
			if err != nil {
				return err
			}

			if jsonFlag {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"account":        id,
					"daemon_running": running,
					"daemon_pid":     pid,
					"chats":          chats,
					"messages":       messages,
					"pending_sends":  len(pending),
				})
			}
			fmt.Printf("account:       %s\n", id)
			if running {
				fmt.Printf("daemon:        running (pid %d)\n", pid)
			} else {
				fmt.Println("daemon:        not running")
			}
			fmt.Printf("chats:         %d\n", chats)
			fmt.Printf("messages:      %d\n", messages)
			fmt.Printf("pending sends: %d\n", len(pending))
			return nil
		},
	}
}
