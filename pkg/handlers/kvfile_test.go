package handlers

import "testing"

func TestUpdateKVFile(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		key, value  string
		want        string
		wantChanged bool
	}{
		{
			name:        "append to empty",
			content:     "",
			key:         "net.core.rmem_max",
			value:       "16777216",
			want:        "net.core.rmem_max = 16777216\n",
			wantChanged: true,
		},
		{
			name:        "replace keeps comments",
			content:     "# tuned\nvm.swappiness=60\nnet.core.rmem_max = 212992\n",
			key:         "net.core.rmem_max",
			value:       "16777216",
			want:        "# tuned\nvm.swappiness=60\nnet.core.rmem_max = 16777216\n",
			wantChanged: true,
		},
		{
			name:        "unchanged",
			content:     "net.core.rmem_max=16777216\n",
			key:         "net.core.rmem_max",
			value:       "16777216",
			want:        "net.core.rmem_max = 16777216\n",
			wantChanged: false,
		},
		{
			name:        "drops duplicates",
			content:     "a = 1\na = 2\n",
			key:         "a",
			value:       "1",
			want:        "a = 1\n",
			wantChanged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := updateKVFile(tt.content, tt.key, tt.value)
			if got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}
		})
	}
}

func TestReadKVFile(t *testing.T) {
	got := readKVFile("# c\n; c\n\nkernel.sched_rt_runtime_us = -1\nfs.inotify.max_user_watches=524288\nnot a pair\n")
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if got["kernel.sched_rt_runtime_us"] != "-1" || got["fs.inotify.max_user_watches"] != "524288" {
		t.Errorf("got %v", got)
	}
}
