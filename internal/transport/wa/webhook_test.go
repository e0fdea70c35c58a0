package wa

import "testing"

func TestDecodeWebhookStateChanged(t *testing.T) {
	ev, err := DecodeWebhook([]byte(`{"typeWebhook":"stateInstanceChanged","stateInstance":"authorized"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventStateChanged || ev.StateInstance != "authorized" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecodeWebhookIncomingCallOfferOnly(t *testing.T) {
	ev, err := DecodeWebhook([]byte(`{"typeWebhook":"incomingCall","status":"offer","from":"79990001122@c.us"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventIncomingCall || ev.Phone != "+79990001122" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ignored, err := DecodeWebhook([]byte(`{"typeWebhook":"incomingCall","status":"hangup"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ignored.Kind != EventIgnored {
		t.Fatalf("expected non-offer call events to be ignored, got %+v", ignored)
	}
}

func TestDecodeWebhookTextMessage(t *testing.T) {
	body := []byte(`{
		"typeWebhook":"incomingMessageReceived",
		"senderData":{"senderName":"Ivan","sender":"79990001122@c.us","chatId":"79990001122@c.us"},
		"messageData":{"typeMessage":"textMessage","textMessageData":{"textMessage":"hi there"}}
	}`)
	ev, err := DecodeWebhook(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventIncomingText || ev.Text != "hi there" || ev.Phone != "+79990001122" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecodeWebhookImageMessage(t *testing.T) {
	body := []byte(`{
		"typeWebhook":"incomingMessageReceived",
		"idMessage":"m1",
		"senderData":{"senderName":"Ivan","sender":"79990001122@c.us"},
		"messageData":{"typeMessage":"imageMessage","fileMessageData":{"caption":"look"}}
	}`)
	ev, err := DecodeWebhook(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventIncomingMedia || ev.Media != MediaImage || ev.Text != "look" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecodeWebhookUnknownTypeIgnored(t *testing.T) {
	ev, err := DecodeWebhook([]byte(`{"typeWebhook":"somethingElse"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventIgnored {
		t.Fatalf("expected ignored, got %+v", ev)
	}
}

func TestDecodeWebhookEmptyTextCollapsesToIgnored(t *testing.T) {
	body := []byte(`{
		"typeWebhook":"incomingMessageReceived",
		"senderData":{"sender":"79990001122@c.us"},
		"messageData":{"typeMessage":"textMessage","textMessageData":{"textMessage":""}}
	}`)
	ev, err := DecodeWebhook(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventIgnored {
		t.Fatalf("expected ignored for empty text, got %+v", ev)
	}
}
