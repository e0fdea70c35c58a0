// Package dealsync keeps a CRM deal's Chatwoot-facing state (links,
// stage, timeline comments, transcription queueing) in sync with the CRM,
// and notifies the deal's responsible manager when the helpdesk client
// detects an intent marker in a conversation.
package dealsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/mbkchat/convhub/internal/crmclient"
	"github.com/mbkchat/convhub/internal/helpdesk"
	"github.com/mbkchat/convhub/internal/linkregistry"
	"github.com/mbkchat/convhub/internal/phoneutil"
)

// operatorNotifyUserIDs are always copied on a "Notify responsible"
// internal chat, in addition to the deal's assigned owner. Literal ids in
// the upstream portal.
var operatorNotifyUserIDs = []int{182, 6784, 6014}

// CRMResolver maps a portal domain to the CRM client for it. A hub talks
// to several portals (one webhook client per Bitrix domain), so the
// engine can't hold a single *crmclient.Client.
type CRMResolver interface {
	Client(portal string) (*crmclient.Client, bool)
}

// Engine wires the CRM, helpdesk, and link-registry clients together to
// implement the deal<->conversation sync steps.
type Engine struct {
	crm      CRMResolver
	helpdesk *helpdesk.Client
	links    *linkregistry.Store
	deals    *DealStore
	log      *slog.Logger
}

func New(crm CRMResolver, hd *helpdesk.Client, links *linkregistry.Store, deals *DealStore, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{crm: crm, helpdesk: hd, links: links, deals: deals, log: log}
}

type crmDeal struct {
	ID         string `json:"ID"`
	CategoryID string `json:"CATEGORY_ID"`
	ContactID  string `json:"CONTACT_ID"`
	StageID    string `json:"STAGE_ID"`
	Closed     string `json:"CLOSED"`
	AssignedBy string `json:"ASSIGNED_BY_ID"`
	Title      string `json:"TITLE"`
}

type crmContact struct {
	ID    string `json:"ID"`
	Name  string `json:"NAME"`
	Phone []struct {
		Value string `json:"VALUE"`
	} `json:"PHONE"`
}

// SyncDeal runs all five deal-sync steps for one CRM webhook delivery. The
// caller is expected to have already taken the event-code lock via
// internal/eventmutex before calling this.
func (e *Engine) SyncDeal(ctx context.Context, portal string, bxDealID int) error {
	client, ok := e.crm.Client(portal)
	if !ok {
		return fmt.Errorf("dealsync: no CRM client configured for portal %q", portal)
	}

	bxDeal, err := e.fetchDeal(ctx, client, bxDealID)
	if err != nil {
		return fmt.Errorf("dealsync: fetch deal: %w", err)
	}

	contactID, _ := strconv.Atoi(bxDeal.ContactID)
	deal, err := e.deals.UpsertDeal(ctx, portal, bxDealID, bxDeal.CategoryID, contactID, bxDeal.StageID)
	if err != nil {
		return fmt.Errorf("dealsync: upsert deal: %w", err)
	}

	conversationIDs, err := e.initLink(ctx, client, portal, deal)
	if err != nil {
		return fmt.Errorf("dealsync: init link: %w", err)
	}
	if len(conversationIDs) == 0 {
		return nil
	}

	if err := e.syncStage(ctx, client, portal, deal, bxDeal, conversationIDs); err != nil {
		e.log.Error("dealsync.sync_stage", "portal", portal, "deal", bxDealID, "error", err)
	}
	if err := e.syncTimelineComments(ctx, client, portal, deal, conversationIDs); err != nil {
		e.log.Error("dealsync.sync_comments", "portal", portal, "deal", bxDealID, "error", err)
	}
	if err := e.deals.EnqueueTranscriptionJob(ctx, portal, bxDealID); err != nil {
		e.log.Error("dealsync.enqueue_transcription", "portal", portal, "deal", bxDealID, "error", err)
	}
	return nil
}

func (e *Engine) fetchDeal(ctx context.Context, client *crmclient.Client, bxDealID int) (crmDeal, error) {
	raw, err := client.Call(ctx, "crm.deal.get", map[string]any{"id": bxDealID})
	if err != nil {
		return crmDeal{}, err
	}
	var deal crmDeal
	if err := json.Unmarshal(raw, &deal); err != nil {
		return crmDeal{}, err
	}
	return deal, nil
}

// initLink resolves the deal's contact's phone, finds every helpdesk
// conversation that's currently active for that contact across the
// agent's configured inboxes, writes the bx24_deal_id custom attribute on
// each, and links every one of them to the deal (the multi-link variant).
func (e *Engine) initLink(ctx context.Context, client *crmclient.Client, portal string, deal Deal) ([]int, error) {
	if deal.ContactID == 0 {
		return nil, nil
	}

	raw, err := client.Call(ctx, "crm.contact.get", map[string]any{"id": deal.ContactID})
	if err != nil {
		return nil, err
	}
	var contact crmContact
	if err := json.Unmarshal(raw, &contact); err != nil {
		return nil, err
	}
	if len(contact.Phone) == 0 {
		return nil, nil
	}

	phone := phoneutil.Normalize(contact.Phone[0].Value)
	if phone == "" {
		return nil, nil
	}
	identifier := phoneutil.Identifier(phone)

	contactID, err := e.helpdesk.ContactID(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if contactID == 0 {
		return nil, nil
	}

	convs, err := e.helpdesk.Conversations(ctx, contactID)
	if err != nil {
		return nil, err
	}

	dealURL := fmt.Sprintf("https://%s/crm/deal/details/%d/", portal, deal.BxID)
	var linked []int
	for _, conv := range convs {
		active, err := e.helpdesk.IsActiveConversation(ctx, conv.ID)
		if err != nil {
			e.log.Warn("dealsync.init_link.active_check_failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		if !active {
			continue
		}

		if err := e.helpdesk.SetCustomAttribute(ctx, conv.ID, map[string]any{"bx24_deal_id": dealURL}); err != nil {
			e.log.Warn("dealsync.init_link.set_attribute_failed", "conversation_id", conv.ID, "error", err)
		}
		if err := e.links.LinkDealWithConversation(ctx, portal, deal.BxID, conv.ID, conv.InboxID, contactID); err != nil {
			e.log.Warn("dealsync.init_link.link_failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		linked = append(linked, conv.ID)
	}
	return linked, nil
}

func (e *Engine) syncStage(ctx context.Context, client *crmclient.Client, portal string, deal Deal, bxDeal crmDeal, conversationIDs []int) error {
	newStage := bxDeal.StageID
	if newStage == "" || newStage == deal.StageID {
		return nil
	}

	oldStage := deal.StageID
	if err := e.deals.SaveStage(ctx, portal, deal.BxID, newStage); err != nil {
		return err
	}
	// First-ever stage observation: record it, don't notify.
	if oldStage == "" {
		return nil
	}

	oldName := e.stageName(ctx, client, oldStage)
	newName := e.stageName(ctx, client, newStage)
	note := fmt.Sprintf("[смена стадии сделки BX24]\n\n%s → %s", oldName, newName)

	for _, convID := range conversationIDs {
		if _, err := e.helpdesk.SendMessage(ctx, convID, note, 0, true); err != nil {
			e.log.Warn("dealsync.sync_stage.send_failed", "conversation_id", convID, "error", err)
		}
	}
	return nil
}

func (e *Engine) stageName(ctx context.Context, client *crmclient.Client, statusID string) string {
	raw, err := client.Call(ctx, "crm.status.list", map[string]any{"filter": map[string]any{"STATUS_ID": statusID}})
	if err != nil {
		return statusID
	}
	var statuses []struct {
		Name string `json:"NAME"`
	}
	if err := json.Unmarshal(raw, &statuses); err != nil || len(statuses) == 0 {
		return statusID
	}
	if statuses[0].Name == "" {
		return statusID
	}
	return statuses[0].Name
}

type timelineComment struct {
	ID      string `json:"ID"`
	Comment string `json:"COMMENT"`
}

func (e *Engine) syncTimelineComments(ctx context.Context, client *crmclient.Client, portal string, deal Deal, conversationIDs []int) error {
	raw, err := client.Call(ctx, "crm.timeline.comment.list", map[string]any{
		"filter": map[string]any{"ENTITY_ID": deal.BxID, "ENTITY_TYPE": "deal"},
		"select": []string{"ID", "CREATED", "COMMENT"},
	})
	if err != nil {
		return err
	}
	var comments []timelineComment
	if err := json.Unmarshal(raw, &comments); err != nil {
		return err
	}
	if len(comments) == 0 {
		return nil
	}

	sort.Slice(comments, func(i, j int) bool {
		a, _ := strconv.Atoi(comments[i].ID)
		b, _ := strconv.Atoi(comments[j].ID)
		return a < b
	})

	maxID := deal.LastSyncCommentID
	var posted bool
	for _, c := range comments {
		id, err := strconv.Atoi(c.ID)
		if err != nil || id <= deal.LastSyncCommentID {
			continue
		}
		note := "Комментарий из сделки BX24:\n " + c.Comment
		for _, convID := range conversationIDs {
			if _, err := e.helpdesk.SendMessage(ctx, convID, note, 0, true); err != nil {
				e.log.Warn("dealsync.sync_comments.send_failed", "conversation_id", convID, "error", err)
			}
		}
		posted = true
		if id > maxID {
			maxID = id
		}
	}
	if !posted {
		return nil
	}
	return e.deals.SaveMaxLastSyncCommentID(ctx, portal, deal.BxID, maxID)
}

// NotifyMarker implements helpdesk.MarkerNotifier by forwarding to
// NotifyResponsible, so an *Engine can be injected straight into
// helpdesk.New without an adapter type.
func (e *Engine) NotifyMarker(ctx context.Context, conversationID int, marker string) error {
	return e.NotifyResponsible(ctx, conversationID, marker)
}

// NotifyResponsible alerts a deal's responsible manager: for every deal
// linked to conversationID whose CRM record isn't closed, it opens (or
// reuses) the deal's CRM internal chat and posts the trigger marker.
func (e *Engine) NotifyResponsible(ctx context.Context, conversationID int, marker string) error {
	links, err := e.links.GetDealsForConversationAnyPortal(ctx, conversationID)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		e.log.Warn("dealsync.notify_responsible.no_deal", "conversation_id", conversationID)
		return nil
	}

	for _, link := range links {
		client, ok := e.crm.Client(link.Portal)
		if !ok {
			continue
		}
		if err := e.notifyOneDeal(ctx, client, link.Portal, link.DealID, conversationID, marker); err != nil {
			e.log.Error("dealsync.notify_responsible", "portal", link.Portal, "deal", link.DealID, "error", err)
		}
	}
	return nil
}

func (e *Engine) notifyOneDeal(ctx context.Context, client *crmclient.Client, portal string, bxDealID, conversationID int, marker string) error {
	bxDeal, err := e.fetchDeal(ctx, client, bxDealID)
	if err != nil {
		return err
	}
	if bxDeal.Closed == "Y" {
		return nil
	}
	if bxDeal.AssignedBy == "" {
		e.log.Warn("dealsync.notify_responsible.no_assignee", "deal", bxDealID)
		return nil
	}
	assignedID, _ := strconv.Atoi(bxDeal.AssignedBy)

	userIDs := append(append([]int{}, operatorNotifyUserIDs...), assignedID)

	chatID, err := e.getOrCreateDealChat(ctx, client, bxDealID, bxDeal.Title, userIDs)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("Обратите внимание на переписку Агента с клиентом в mbk-chat!\nОбнаруженно слово: %s\nID диалога в CW: %d", marker, conversationID)
	_, err = client.Call(ctx, "im.message.add", map[string]any{
		"DIALOG_ID": fmt.Sprintf("chat%d", chatID),
		"MESSAGE":   message,
	})
	return err
}

func (e *Engine) getOrCreateDealChat(ctx context.Context, client *crmclient.Client, bxDealID int, title string, userIDs []int) (int, error) {
	raw, err := client.Call(ctx, "im.chat.get", map[string]any{
		"ENTITY_TYPE": "CRM",
		"ENTITY_ID":   fmt.Sprintf("DEAL|%d", bxDealID),
	})
	if err == nil {
		var chat struct {
			ID string `json:"ID"`
		}
		if jerr := json.Unmarshal(raw, &chat); jerr == nil && chat.ID != "" {
			id, _ := strconv.Atoi(chat.ID)
			if id != 0 {
				return id, nil
			}
		}
	}

	if title == "" {
		title = "Не удалось получить название сделки."
	}
	raw, err = client.Call(ctx, "im.chat.add", map[string]any{
		"TITLE":       "СДЕЛКА: " + title,
		"USERS":       userIDs,
		"ENTITY_TYPE": "CRM",
		"ENTITY_ID":   fmt.Sprintf("DEAL|%d", bxDealID),
	})
	if err != nil {
		return 0, err
	}
	var chatID int
	if err := json.Unmarshal(raw, &chatID); err != nil {
		return 0, err
	}
	return chatID, nil
}
