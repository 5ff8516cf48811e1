package wire

import (
	"encoding/json"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "user joined",
			raw:  `{"type":"USER_JOINED","data":{"userId":"u1","username":"alice"}}`,
			want: UserJoined{UserID: "u1", Username: "alice"},
		},
		{
			name: "user left",
			raw:  `{"type":"USER_LEFT","data":{"userId":"u2","username":"bob"}}`,
			want: UserLeft{UserID: "u2", Username: "bob"},
		},
		{
			name: "file shared",
			raw:  `{"type":"FILE_SHARED","data":{"fileId":"f1","filename":"report.pdf","sharedBy":"alice","fileSize":2048,"fileType":"application/pdf"}}`,
			want: FileShared{FileID: "f1", Filename: "report.pdf", SharedBy: "alice", FileSize: 2048, FileType: "application/pdf"},
		},
		{
			name: "file downloaded",
			raw:  `{"type":"FILE_DOWNLOADED","data":{"filename":"report.pdf","downloadedBy":"bob"}}`,
			want: FileDownloaded{Filename: "report.pdf", DownloadedBy: "bob"},
		},
		{
			name: "chat message",
			raw:  `{"type":"MESSAGE","data":{"sender":"alice","message":"hi"}}`,
			want: ChatMessage{Sender: "alice", Message: "hi"},
		},
		{
			name: "missing payload decodes to zero value",
			raw:  `{"type":"USER_JOINED"}`,
			want: UserJoined{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	got, err := Decode([]byte(`{"type":"SOMETHING_ELSE","data":{"x":1}}`))
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Decode() = %#v, want nil for unknown type", got)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `not json at all`},
		{name: "truncated envelope", raw: `{"type":"USER_JOINED","data":`},
		{name: "payload type mismatch", raw: `{"type":"FILE_SHARED","data":{"fileSize":"huge"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.raw)); err == nil {
				t.Error("Decode() expected error for malformed frame, got nil")
			}
		})
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	ev := FileShared{FileID: "f9", Filename: "a.txt", SharedBy: "carol", FileSize: 12, FileType: "text/plain"}
	raw, err := Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got != ev {
		t.Errorf("round trip = %#v, want %#v", got, ev)
	}
}

func TestControl_WireFormat(t *testing.T) {
	raw, err := json.Marshal(Control{Action: ActionSubscribe, RoomID: "abc"})
	if err != nil {
		t.Fatalf("marshal control: %v", err)
	}
	want := `{"action":"SUBSCRIBE","roomId":"abc"}`
	if string(raw) != want {
		t.Errorf("control frame = %s, want %s", raw, want)
	}
}
