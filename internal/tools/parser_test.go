package tools

import "testing"

func isKnown(name string) bool {
	switch name {
	case "send_message", "file_system", "manage_team":
		return true
	}
	return false
}

func TestParseSingleCall(t *testing.T) {
	text := `Sure, I'll notify the admin.
<send_message>
  <target_agent_id>admin_ai</target_agent_id>
  <message_content>Completed. File at shared/report.md</message_content>
</send_message>
Done.`

	calls := ParseCalls(text, isKnown)
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	c := calls[0]
	if c.Name != "send_message" {
		t.Errorf("name = %s", c.Name)
	}
	if c.Params["target_agent_id"] != "admin_ai" {
		t.Errorf("target = %q", c.Params["target_agent_id"])
	}
	if c.Params["message_content"] != "Completed. File at shared/report.md" {
		t.Errorf("content = %q", c.Params["message_content"])
	}
}

func TestParseMultipleCallsDocumentOrder(t *testing.T) {
	text := `First the team:
<manage_team><action>create_team</action><team_id>t1</team_id></manage_team>
then a file:
<file_system><action>write</action><filename>a.txt</filename><content>hi</content></file_system>
and finally:
<send_message><target_agent_id>x</target_agent_id><message_content>go</message_content></send_message>`

	calls := ParseCalls(text, isKnown)
	if len(calls) != 3 {
		t.Fatalf("got %d calls", len(calls))
	}
	want := []string{"manage_team", "file_system", "send_message"}
	for i, w := range want {
		if calls[i].Name != w {
			t.Errorf("call %d = %s, want %s", i, calls[i].Name, w)
		}
	}
	if !(calls[0].Offset < calls[1].Offset && calls[1].Offset < calls[2].Offset) {
		t.Error("offsets must be increasing")
	}
}

func TestParseUnescapesEntities(t *testing.T) {
	text := `<send_message><target_agent_id>a</target_agent_id><message_content>x &lt; y &amp;&amp; y &gt; z</message_content></send_message>`
	calls := ParseCalls(text, isKnown)
	if len(calls) != 1 {
		t.Fatal("expected one call")
	}
	if got := calls[0].Params["message_content"]; got != "x < y && y > z" {
		t.Errorf("content = %q", got)
	}
}

func TestParseIgnoresUnknownElements(t *testing.T) {
	text := `<thinking>internal</thinking>
<plan>step 1</plan>
<file_system><action>list</action></file_system>`
	calls := ParseCalls(text, isKnown)
	if len(calls) != 1 || calls[0].Name != "file_system" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestParseToleratesUnclosedTag(t *testing.T) {
	text := `<send_message><target_agent_id>a</target_agent_id>` // never closed
	if calls := ParseCalls(text, isKnown); len(calls) != 0 {
		t.Errorf("unclosed call must be ignored, got %+v", calls)
	}
}

func TestParseAttributesOnOpenTag(t *testing.T) {
	text := `<file_system id="1"><action>list</action></file_system>`
	calls := ParseCalls(text, isKnown)
	if len(calls) != 1 || calls[0].Params["action"] != "list" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestExtractElement(t *testing.T) {
	text := "Thoughts...\n<plan>1. research\n2. write &amp; review</plan>\ntrailing"
	body, ok := ExtractElement(text, "plan")
	if !ok {
		t.Fatal("plan not found")
	}
	if body != "1. research\n2. write & review" {
		t.Errorf("plan = %q", body)
	}

	if _, ok := ExtractElement("no plan here <plan>oops", "plan"); ok {
		t.Error("incomplete element must not match")
	}
}
