package sqlinline

const QEnsureGenerationTables = `--sql bbce7fc1-be1d-4196-846c-7c8e57a1e84a
create table if not exists generation_sessions (
  id uuid primary key,
  prompt text not null,
  model text not null default '',
  image_count int not null,
  safety text not null,
  sync boolean not null default false,
  succeeded int not null default 0,
  failed int not null default 0,
  stop_reason text,
  started_at timestamptz not null,
  finished_at timestamptz
);
create table if not exists generation_images (
  id bigserial primary key,
  session_id uuid not null references generation_sessions(id) on delete cascade,
  slot int not null,
  job_id text not null default '',
  outcome text not null,
  seed text not null default '',
  error text,
  elapsed_ms bigint not null,
  created_at timestamptz not null default now()
);
create index if not exists generation_images_session_idx on generation_images(session_id, slot);
`

const QInsertGenerationSession = `--sql 5291fa45-f7a9-498f-af9c-ecd843e8ffa0
insert into generation_sessions(
  id,
  prompt,
  model,
  image_count,
  safety,
  sync,
  started_at
) values (
  $1::uuid,
  $2::text,
  $3::text,
  $4::int,
  $5::text,
  $6::boolean,
  $7::timestamptz
)
on conflict (id) do nothing;
`

const QFinishGenerationSession = `--sql 3d0bf6ad-3fb9-4059-95f2-1c1d16437ea2
update generation_sessions
set succeeded = $2::int,
    failed = $3::int,
    stop_reason = nullif($4::text, ''),
    finished_at = now()
where id = $1::uuid;
`

const QInsertGenerationImage = `--sql be08de86-ee93-4ff1-9f84-ab68080fe334
insert into generation_images(
  session_id,
  slot,
  job_id,
  outcome,
  seed,
  error,
  elapsed_ms
) values (
  $1::uuid,
  $2::int,
  $3::text,
  $4::text,
  $5::text,
  nullif($6::text, ''),
  $7::bigint
);
`

const QListRecentGenerationSessions = `--sql 37566038-119d-49a7-b226-217683fa0475
select
  id::text,
  prompt,
  model,
  image_count,
  safety,
  sync,
  succeeded,
  failed,
  coalesce(stop_reason, ''),
  started_at,
  finished_at
from generation_sessions
order by started_at desc
limit $1::int;
`

const QSelectGenerationSession = `--sql 00bcbd9b-50c5-4b37-9e5e-85915adafe96
select
  id::text,
  prompt,
  model,
  image_count,
  safety,
  sync,
  succeeded,
  failed,
  coalesce(stop_reason, ''),
  started_at,
  finished_at
from generation_sessions
where id = $1::uuid
limit 1;
`
