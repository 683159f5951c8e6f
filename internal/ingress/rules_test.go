package ingress

import (
	"testing"

	"github.com/wolfman30/replies-engine/internal/conversation"
)

func TestCheckConversation(t *testing.T) {
	tests := []struct {
		name string
		rec  conversation.Record
		ch   conversation.Channel
		want RejectReason
	}{
		{
			name: "active conversation passes",
			rec: conversation.Record{
				ProjectStatus:      conversation.StatusActive,
				ConversationStatus: conversation.StatusActive,
			},
			ch:   conversation.ChannelWhatsApp,
			want: ReasonNone,
		},
		{
			name: "inactive project rejected",
			rec:  conversation.Record{ProjectStatus: "paused"},
			ch:   conversation.ChannelWhatsApp,
			want: ReasonProjectInactive,
		},
		{
			name: "channel not in allow list",
			rec: conversation.Record{
				ProjectStatus:   conversation.StatusActive,
				AllowedChannels: []string{"sms"},
			},
			ch:   conversation.ChannelWhatsApp,
			want: ReasonChannelNotAllowed,
		},
		{
			name: "locked conversation",
			rec: conversation.Record{
				ProjectStatus:      conversation.StatusActive,
				ConversationStatus: conversation.StatusProcessingReply,
			},
			ch:   conversation.ChannelSMS,
			want: ReasonConversationLocked,
		},
		{
			name: "inactive project wins over lock",
			rec: conversation.Record{
				ProjectStatus:      "disabled",
				ConversationStatus: conversation.StatusProcessingReply,
			},
			ch:   conversation.ChannelSMS,
			want: ReasonProjectInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckConversation(&tt.rec, tt.ch); got != tt.want {
				t.Fatalf("CheckConversation() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSelectRoute_ChannelQueues(t *testing.T) {
	queues := testQueues()
	rec := &conversation.Record{}

	for ch, want := range map[conversation.Channel]string{
		conversation.ChannelWhatsApp: queues.WhatsApp,
		conversation.ChannelSMS:      queues.SMS,
		conversation.ChannelEmail:    queues.Email,
	} {
		route := SelectRoute(rec, ch, "+15551234567", queues)
		if route.Handoff || route.QueueURL != want {
			t.Errorf("SelectRoute(%s) = %#v, want queue %s", ch, route, want)
		}
	}
}

func TestSelectRoute_AutoQueueFlag(t *testing.T) {
	rec := &conversation.Record{AutoQueueReply: true}
	route := SelectRoute(rec, conversation.ChannelSMS, "+15551234567", testQueues())
	if !route.Handoff || route.QueueURL != testQueues().Handoff {
		t.Fatalf("SelectRoute() = %#v, want handoff", route)
	}
}

func TestSelectRoute_SenderNumberList(t *testing.T) {
	rec := &conversation.Record{
		AutoQueueReplyFromNumbers: []string{"whatsapp:+15551234567"},
	}
	route := SelectRoute(rec, conversation.ChannelWhatsApp, "+15551234567", testQueues())
	if !route.Handoff {
		t.Fatalf("listed sender must route to handoff, got %#v", route)
	}

	route = SelectRoute(rec, conversation.ChannelWhatsApp, "+15559999999", testQueues())
	if route.Handoff {
		t.Fatalf("unlisted sender must use the channel queue, got %#v", route)
	}
}

func TestSelectRoute_SenderEmailList(t *testing.T) {
	rec := &conversation.Record{
		AutoQueueReplyFromEmails: []string{"VIP@Customer.com"},
	}
	route := SelectRoute(rec, conversation.ChannelEmail, "vip@customer.com", testQueues())
	if !route.Handoff {
		t.Fatalf("listed email must route to handoff, got %#v", route)
	}
}
